package config

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// DefaultMaxConcurrentJobs bounds how many queue entries a single worker host
// processes at once. Renditions within a job are always sequential, so this is
// also the number of concurrent encoder subprocesses.
const DefaultMaxConcurrentJobs = 2

// DefaultScratchDir is where per-job scratch directories (downloaded source,
// intermediate renditions, checkpoint file) live.
const DefaultScratchDir = "/tmp/wtw-transcoder"
