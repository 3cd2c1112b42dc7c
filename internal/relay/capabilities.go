package relay

import godap "github.com/google/go-dap"

// capabilities is what the relay advertises in its initialize response.
// Flags left false are omitted on the wire.
func capabilities() godap.Capabilities {
	return godap.Capabilities{
		SupportsClipboardContext:          true,
		SupportsCompletionsRequest:        true,
		SupportsConditionalBreakpoints:    true,
		SupportsConfigurationDoneRequest:  true,
		SupportsDataBreakpoints:           false,
		SupportsDelayedStackTraceLoading:  true,
		SupportsDisassembleRequest:        false,
		SupportsEvaluateForHovers:         true,
		SupportsExceptionInfoRequest:      true,
		SupportsExceptionOptions:          true,
		SupportsFunctionBreakpoints:       true,
		SupportsGotoTargetsRequest:        true,
		SupportsHitConditionalBreakpoints: true,
		SupportsLoadedSourcesRequest:      false,
		SupportsLogPoints:                 true,
		SupportsModulesRequest:            true,
		SupportsReadMemoryRequest:         false,
		SupportsRestartFrame:              false,
		SupportsRestartRequest:            false,
		SupportsSetExpression:             true,
		SupportsSetVariable:               true,
		SupportsStepBack:                  false,
		SupportsStepInTargetsRequest:      true,
		SupportsTerminateRequest:          true,
		SupportsTerminateThreadsRequest:   false,
		SupportsValueFormattingOptions:    true,
		SupportTerminateDebuggee:          true,
		ExceptionBreakpointFilters: []godap.ExceptionBreakpointsFilter{
			{Filter: "raised", Label: "Raised Exceptions", Default: false},
			{Filter: "uncaught", Label: "Uncaught Exceptions", Default: true},
			{Filter: "userUnhandled", Label: "User Uncaught Exceptions", Default: false},
		},
	}
}
