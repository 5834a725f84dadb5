package sagalite

import "time"

type sagaliteConfig struct {
	logger             Logger
	initialSagaWorkers int
}

type sagaliteOption func(*sagaliteConfig)

func WithLogger(l Logger) sagaliteOption {
	return func(c *sagaliteConfig) {
		c.logger = l
	}
}

// If you intend to enqueue many sagas at once you should increase this number accordingly
func WithInitialSagaWorkers(n int) sagaliteOption {
	return func(c *sagaliteConfig) {
		c.initialSagaWorkers = n
	}
}

type compensationConfig struct {
	enabled     bool
	timeout     time.Duration
	maxAttempts int
}

type retryConfig struct {
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

type sagaConfig struct {
	name        string
	description string
	version     int
	enabled     bool

	// timeout is the declared umbrella budget for the whole saga. It is kept
	// for operators and the journal; steps enforce their own timeouts.
	timeout time.Duration

	compensation compensationConfig
	aggregateID  string
	logger       Logger
}

func defaultSagaConfig(name string) sagaConfig {
	return sagaConfig{
		name:    name,
		enabled: true,
		timeout: 5 * time.Minute,
		compensation: compensationConfig{
			enabled: true,
			timeout: 30 * time.Second,
		},
	}
}

type SagaOption func(*sagaConfig)

func WithDescription(description string) SagaOption {
	return func(c *sagaConfig) {
		c.description = description
	}
}

func WithVersion(version int) SagaOption {
	return func(c *sagaConfig) {
		c.version = version
	}
}

func WithSagaDisabled() SagaOption {
	return func(c *sagaConfig) {
		c.enabled = false
	}
}

func WithSagaTimeout(d time.Duration) SagaOption {
	return func(c *sagaConfig) {
		c.timeout = d
	}
}

func WithAggregateID(id string) SagaOption {
	return func(c *sagaConfig) {
		c.aggregateID = id
	}
}

func WithSagaCompensation(maxAttempts int, timeout time.Duration) SagaOption {
	return func(c *sagaConfig) {
		c.compensation = compensationConfig{
			enabled:     true,
			timeout:     timeout,
			maxAttempts: maxAttempts,
		}
	}
}

func WithSagaCompensationDisabled() SagaOption {
	return func(c *sagaConfig) {
		c.compensation.enabled = false
	}
}

func WithSagaLogger(l Logger) SagaOption {
	return func(c *sagaConfig) {
		c.logger = l
	}
}

type conditionConfig struct {
	expression string
	fn         func(*SagaContext) bool
}

type stepConfig struct {
	name         string
	enabled      bool
	timeout      time.Duration
	retry        retryConfig
	compensation compensationConfig
	condition    conditionConfig
	hooks        StepHooks
	logger       Logger
}

func defaultStepConfig(name string) stepConfig {
	return stepConfig{
		name:    name,
		enabled: true,
		timeout: 30 * time.Second,
		retry: retryConfig{
			backoff:    100 * time.Millisecond,
			maxBackoff: 5 * time.Second,
		},
		compensation: compensationConfig{
			enabled: true,
			timeout: 30 * time.Second,
		},
		hooks: BaseStepHooks{},
	}
}

type StepOption func(*stepConfig)

func WithStepDisabled() StepOption {
	return func(c *stepConfig) {
		c.enabled = false
	}
}

func WithStepTimeout(d time.Duration) StepOption {
	return func(c *stepConfig) {
		c.timeout = d
	}
}

// WithRetry grants maxAttempts extra attempts after the first failure; the
// delay before retry i is min(backoff*2^(i-1), maxBackoff).
func WithRetry(maxAttempts int, backoff, maxBackoff time.Duration) StepOption {
	return func(c *stepConfig) {
		c.retry = retryConfig{
			maxAttempts: maxAttempts,
			backoff:     backoff,
			maxBackoff:  maxBackoff,
		}
	}
}

func WithStepCompensation(maxAttempts int, timeout time.Duration) StepOption {
	return func(c *stepConfig) {
		c.compensation = compensationConfig{
			enabled:     true,
			timeout:     timeout,
			maxAttempts: maxAttempts,
		}
	}
}

func WithStepCompensationDisabled() StepOption {
	return func(c *stepConfig) {
		c.compensation.enabled = false
	}
}

// WithCondition gates the step: when fn returns false the step is skipped.
// The expression is only used for logging.
func WithCondition(expression string, fn func(*SagaContext) bool) StepOption {
	return func(c *stepConfig) {
		c.condition = conditionConfig{expression: expression, fn: fn}
	}
}

func WithHooks(hooks StepHooks) StepOption {
	return func(c *stepConfig) {
		if hooks != nil {
			c.hooks = hooks
		}
	}
}

func WithStepLogger(l Logger) StepOption {
	return func(c *stepConfig) {
		c.logger = l
	}
}
