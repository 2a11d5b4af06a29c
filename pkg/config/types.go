package config

type RedisSettings struct {
	Address  string
	Password string
	DB       int
}

// ChainSettings configures the on-chain boundary. If SigningKey or
// ContractAddress is empty the chain gateway is disabled at startup and
// every chain-gated feature degrades to a no-op.
type ChainSettings struct {
	RPCURL                string
	ContractAddress       string
	TreasuryAddress       string
	SigningKey            string
	ConfirmTimeoutSeconds uint
}

type LedgerSettings struct {
	Path      string
	QueueSize int
}

type MatchmakingSettings struct {
	PaymentDeadlineSeconds uint
	GraceSeconds           uint
	CountdownSeconds       uint
	StakeAmount            int64
}

type GameSettings struct {
	GridWidth    int
	GridHeight   int
	TickMillis   uint
	MatchSeconds uint
}

type TournamentSettings struct {
	Enabled              bool
	BucketSize           int
	PollSeconds          uint
	WeekZero             string
	RegistrationHours    uint
	PointCollectionHours uint
	ScoreBatchSize       int
	SecondPrize          int64
	ThirdPrize           int64
}

type WebIngress struct {
	Port int
}

type ServerIngress struct {
	Web WebIngress
}

type ServerSettings struct {
	Ingress ServerIngress
}

type Config struct {
	Server      ServerSettings
	Redis       RedisSettings
	Chain       ChainSettings
	Ledger      LedgerSettings
	Matchmaking MatchmakingSettings
	Game        GameSettings
	Tournament  TournamentSettings
}
