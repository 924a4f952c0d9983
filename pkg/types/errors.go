package types

import "errors"

var (
	// Registration errors.
	ErrInvalidScheduleExpression = errors.New("invalid schedule expression")
	ErrCyclicDependency          = errors.New("cyclic dependency")
	ErrUnknownDependency         = errors.New("unknown dependency")
	ErrDuplicateJob              = errors.New("job already exists")
	ErrJobNotFound               = errors.New("job not found")
	ErrDependencyInUse           = errors.New("job is a dependency of another job")
	ErrInvalidJob                = errors.New("invalid job definition")

	// Execution errors.
	ErrGenerationFailed   = errors.New("generation failed")
	ErrDistributionFailed = errors.New("distribution failed")
	ErrTimeout            = errors.New("timeout")
	ErrPermanentFailure   = errors.New("permanent failure")

	// Ledger and dispatcher state errors.
	ErrExecutionNotFound = errors.New("execution not found")
	ErrAlreadyTerminal   = errors.New("execution already terminal")
	ErrSchedulerRunning  = errors.New("scheduler already started")
	ErrSchedulerStopped  = errors.New("scheduler not running")
)
