package messaging

// Topic constants for gominer services
const (
	// Work distribution
	TopicJobs         = "gominer.jobs"          // poolwatch, jobmanager → hashers
	TopicShares       = "gominer.shares"        // hashers → poolwatch
	TopicShareResults = "gominer.share_results" // poolwatch → dashboards
	TopicSolutions    = "gominer.solutions"     // hashers → jobmanager (solo)
	TopicBlockResults = "gominer.block_results" // jobmanager → dashboards

	// Host telemetry
	TopicMinerStats    = "gominer.miner_stats"    // minerd → dashboards
	TopicProcessEvents = "gominer.process_events" // minerd → dashboards
)

// Job sources
const (
	SourcePool = "pool"
	SourceSolo = "solo"
)

// Result statuses
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusInvalid  = "invalid"
	StatusFailed   = "failed"
)
