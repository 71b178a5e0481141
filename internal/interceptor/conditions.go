package interceptor

import "github.com/davrell/pagectl/api/schemas"

// Unthrottled restores the browser's default network behavior. The -1
// throughput sentinels mean "no limit".
var Unthrottled = schemas.NetworkConditions{
	Offline:            false,
	LatencyMs:          0,
	DownloadThroughput: -1,
	UploadThroughput:   -1,
}

// conditionPresets mirrors the common DevTools throttling profiles.
// Throughput is bytes per second.
var conditionPresets = map[string]schemas.NetworkConditions{
	"offline": {
		Offline:            true,
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	},
	"slow-3g": {
		LatencyMs:          2000,
		DownloadThroughput: 50 * 1024,
		UploadThroughput:   50 * 1024,
	},
	"fast-3g": {
		LatencyMs:          563,
		DownloadThroughput: 180 * 1024,
		UploadThroughput:   84 * 1024,
	},
	"4g": {
		LatencyMs:          170,
		DownloadThroughput: 4 * 1024 * 1024,
		UploadThroughput:   3 * 1024 * 1024,
	},
	"wifi": {
		LatencyMs:          2,
		DownloadThroughput: 30 * 1024 * 1024,
		UploadThroughput:   15 * 1024 * 1024,
	},
}

// ConditionPreset looks up a named throttling profile.
func ConditionPreset(name string) (schemas.NetworkConditions, bool) {
	nc, ok := conditionPresets[name]
	return nc, ok
}
