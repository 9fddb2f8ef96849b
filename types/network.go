package types

// Network identifies an EVM network a payment is made on.
type Network string

const (
	NetworkBase        Network = "base-mainnet"
	NetworkBaseSepolia Network = "base-sepolia"
	NetworkEthereum    Network = "ethereum-mainnet"
	NetworkSepolia     Network = "sepolia"
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkLocal       Network = "anvil"        // local devnet
)

// ChainIDs maps known networks to their EVM chain id.
var ChainIDs = map[Network]int64{
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
	NetworkEthereum:    1,
	NetworkSepolia:     11155111,
	NetworkPolygon:     137,
	NetworkPolygonAmoy: 80002,
	NetworkLocal:       31337,
}

// USDCContracts holds the canonical USDC token contract per network.
var USDCContracts = map[Network]string{
	NetworkBase:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	NetworkBaseSepolia: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	NetworkEthereum:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	NetworkPolygon:     "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
}

// USDCDecimals is the precision of the stablecoin on every supported network.
const USDCDecimals = 6

func (n Network) IsKnown() bool {
	_, ok := ChainIDs[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia || n == NetworkSepolia || n == NetworkPolygonAmoy || n == NetworkLocal
}

// ChainID returns the chain id of a known network, or 0.
func (n Network) ChainID() int64 {
	return ChainIDs[n]
}

func (n Network) String() string {
	return string(n)
}
