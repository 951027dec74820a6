package redisengine

import _ "embed"

//go:embed scripts/token_bucket.lua
var tokenBucketScript string

//go:embed scripts/leaky_bucket.lua
var leakyBucketScript string

//go:embed scripts/fixed_window.lua
var fixedWindowScript string

//go:embed scripts/sliding_log.lua
var slidingLogScript string

//go:embed scripts/sliding_counter.lua
var slidingCounterScript string
