// Package errors provides the error classification used by the rules publishing pipeline.
//
// # Overview
//
// Every failure raised by the pipeline falls into one of three classes:
//
//   - Transient: the rule source returned a non-200 status, the network failed, the
//     upstream payload did not parse, or the object store rejected an upload. The
//     polling agent logs the failure and tries again on its next tick.
//   - Invalid: configuration or caller input is malformed. Raised at startup.
//   - Fatal: the compiler met a calculation, operator, or time period it has no
//     mapping for. The upstream filter broke its contract; retrying reproduces the
//     same fault, so it is logged loudly and counted separately.
//
// # Wrapping
//
// Errors are wrapped with the "component.method: action failed: %w" format:
//
//	if err != nil {
//	    return errors.WrapTransient(err, "Client", "FetchActiveRulesSortedByID", "GET rules")
//	}
//
// Classification survives further wrapping with fmt.Errorf("...: %w", err), since
// IsTransient, IsFatal and IsInvalid walk the chain. IsFatal also looks inside
// every branch of an errors.Join, so a contract violation joined with a
// transient failure still classifies as fatal.
//
// # Sentinels
//
// Sentinels such as ErrContractViolation, ErrUpstreamStatus and ErrKeyNotFound can
// be matched with errors.Is regardless of the class wrapped around them.
package errors
