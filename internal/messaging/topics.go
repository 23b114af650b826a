package messaging

// Topic constants for the pool accounting messaging system
const (
	// Ingest topics, produced by the pool front end
	TopicShares      = "pool.shares"       // accepted shares → acctd ledger
	TopicBlocks      = "pool.blocks"       // found blocks → acctd lifecycle
	TopicMinuteStats = "pool.minute_stats" // per-minute share aggregates → acctd
	TopicAgentStats  = "pool.agent_stats"  // worker agent telemetry → acctd monitor
	TopicChain       = "pool.chain"        // network block notifications → acctd

	// Outbound topics
	TopicAlerts = "pool.alerts" // acctd monitor → notification delivery
)
