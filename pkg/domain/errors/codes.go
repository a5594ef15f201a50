package errors

// Code represents an error code
type Code string

// Error codes surfaced by the orchestration core
const (
	CodeUnknown              Code = "UNKNOWN"               // Unknown error occurred
	CodeInternalError        Code = "INTERNAL_ERROR"        // Internal system error
	CodeValidationFailed     Code = "VALIDATION_FAILED"     // Input validation failed
	CodeInvalidParameter     Code = "INVALID_PARAMETER"     // Invalid parameter provided
	CodeMissingParameter     Code = "MISSING_PARAMETER"     // Required parameter missing
	CodeIoError              Code = "IO_ERROR"              // Input/output operation failed
	CodeNotFound             Code = "NOT_FOUND"             // Resource not found
	CodeAlreadyExists        Code = "ALREADY_EXISTS"        // Resource already exists
	CodeInvalidState         Code = "INVALID_STATE"         // Operation not valid in current state
	CodeOperationFailed      Code = "OPERATION_FAILED"      // Operation failed
	CodeConfigurationInvalid Code = "CONFIGURATION_INVALID" // Configuration invalid

	// Workflow and execution error codes
	CodeWorkflowNotFound    Code = "WORKFLOW_NOT_FOUND"     // Workflow definition missing from registry
	CodeNoPhases            Code = "NO_PHASES"              // Workflow declares an empty phase list
	CodeNoStartingPhase     Code = "NO_STARTING_PHASE"      // Every phase declares dependencies
	CodeCyclicDependencies  Code = "CYCLIC_DEPENDENCIES"    // Phase dependency graph contains a cycle
	CodeAgentNotFound       Code = "AGENT_NOT_FOUND"        // Agent persona missing from registry
	CodeExecutionNotFound   Code = "EXECUTION_NOT_FOUND"    // Execution id does not exist
	CodeDuplicateExecution  Code = "DUPLICATE_EXECUTION_ID" // Execution id already in use
	CodeInvalidTransition   Code = "INVALID_TRANSITION"     // State transition not in permitted table
	CodeStepNotRunning      Code = "STEP_NOT_RUNNING"       // Step is not in the running status
	CodeDependenciesNotMet  Code = "DEPENDENCIES_NOT_MET"   // Step prerequisites incomplete
	CodeNotRunnable         Code = "NOT_RUNNABLE"           // Execution is paused or suspended
	CodeAlreadyTerminal     Code = "ALREADY_TERMINAL"       // Execution reached a terminal state
	CodeNotResumable        Code = "NOT_RESUMABLE"          // Execution is not in a resumable state

	// Token error codes
	CodeTokenMalformed    Code = "TOKEN_MALFORMED"     // Continuation token failed to decode
	CodeTokenExpired      Code = "TOKEN_EXPIRED"       // Continuation token older than its lifetime
	CodeTokenStepMismatch Code = "TOKEN_STEP_MISMATCH" // Token refers to a step that moved on

	// Contract and store error codes
	CodeContractValidation Code = "CONTRACT_VALIDATION_ERROR" // Logged payload violated its layer schema
	CodeStoreError         Code = "STORE_ERROR"               // Embedded store operation failed
	CodeMigrationError     Code = "MIGRATION_ERROR"           // Schema migration failed
)
