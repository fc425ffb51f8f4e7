package config

const (
	defaultDataDir               = "~/.local/share/wayfarer"
	defaultLogDir                = "~/.local/share/wayfarer/logs"
	defaultAPIBind               = "127.0.0.1:7610"
	defaultStoreBackend          = "sqlite"
	defaultKeyPrefix             = "wayfarer:"
	defaultWorkflowTTLHours      = 24
	defaultSessionTTLHours       = 48
	defaultStoreCleanupInterval  = 300
	defaultStoreOperationTimeout = 5
	defaultTrackerUpdateInterval = 5
	defaultTrackerStaleThreshold = 120
	defaultTrackerStaleCheck     = 30
	defaultTrackerHistorySize    = 256
	defaultRouterBatchSize       = 10
	defaultRouterBatchTimeoutMS  = 100
	defaultRouterTickIntervalMS  = 50
	defaultRouterHighPriority    = 9
	defaultRouterMaxRetries      = 3
	defaultRouterRetryDelayMS    = 1000
	defaultRouterEnvelopeTTL     = 300
	defaultRouterConcurrency     = 8
	defaultHeartbeatInterval     = 10
	defaultHeartbeatTimeout      = 30
	defaultConnCleanupInterval   = 60
	defaultConnWriteTimeout      = 10
	defaultConnSendBuffer        = 64
	defaultSSEKeepalive          = 15
	defaultPipelineMaxAttempts   = 3
	defaultBackoffInitialMS      = 1000
	defaultBackoffMaxMS          = 10000
	defaultBackoffMultiplier     = 2.0
	defaultBackoffJitter         = 0.5
	defaultPipelineTimeout       = 600
	defaultAgentRequestTimeout   = 120
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultMetricsPath           = "/metrics"
)

// DefaultStageWeights mirrors the fixed pipeline order: architect, gatherer,
// specialist, putter. Weights sum to 100.
func DefaultStageWeights() map[string]int {
	return map[string]int{
		"architect":  20,
		"gatherer":   30,
		"specialist": 30,
		"putter":     20,
	}
}

// DefaultThresholds lists the progress checkpoints that emit a notification
// the first time they are crossed.
func DefaultThresholds() []int {
	return []int{10, 25, 50, 75, 90, 100}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Store: Store{
			Backend:              defaultStoreBackend,
			KeyPrefix:            defaultKeyPrefix,
			WorkflowTTLHours:     defaultWorkflowTTLHours,
			SessionTTLHours:      defaultSessionTTLHours,
			CleanupIntervalSecs:  defaultStoreCleanupInterval,
			OperationTimeoutSecs: defaultStoreOperationTimeout,
		},
		Tracker: Tracker{
			Weights:               DefaultStageWeights(),
			Thresholds:            DefaultThresholds(),
			UpdateIntervalSecs:    defaultTrackerUpdateInterval,
			StaleThresholdSecs:    defaultTrackerStaleThreshold,
			StaleCheckIntervalSec: defaultTrackerStaleCheck,
			HistorySize:           defaultTrackerHistorySize,
		},
		Router: Router{
			BatchSize:             defaultRouterBatchSize,
			BatchTimeoutMS:        defaultRouterBatchTimeoutMS,
			TickIntervalMS:        defaultRouterTickIntervalMS,
			HighPriorityThreshold: defaultRouterHighPriority,
			MaxRetries:            defaultRouterMaxRetries,
			RetryDelayMS:          defaultRouterRetryDelayMS,
			EnvelopeTTLSeconds:    defaultRouterEnvelopeTTL,
			DeliveryConcurrency:   defaultRouterConcurrency,
		},
		Connections: Connections{
			HeartbeatIntervalSecs: defaultHeartbeatInterval,
			HeartbeatTimeoutSecs:  defaultHeartbeatTimeout,
			CleanupIntervalSecs:   defaultConnCleanupInterval,
			WriteTimeoutSecs:      defaultConnWriteTimeout,
			SendBuffer:            defaultConnSendBuffer,
			SSEKeepaliveSecs:      defaultSSEKeepalive,
		},
		Pipeline: Pipeline{
			MaxAttempts:       defaultPipelineMaxAttempts,
			BackoffInitialMS:  defaultBackoffInitialMS,
			BackoffMaxMS:      defaultBackoffMaxMS,
			BackoffMultiplier: defaultBackoffMultiplier,
			BackoffJitter:     defaultBackoffJitter,
			TimeoutSeconds:    defaultPipelineTimeout,
		},
		Agents: Agents{
			RequestTimeoutSecs: defaultAgentRequestTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Completed:      true,
			Failed:         true,
			Cancelled:      false,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    defaultMetricsPath,
		},
	}
}
