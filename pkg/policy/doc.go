// Package policy provides Open Policy Agent (OPA) admission control for executions.
//
// Before an execution is created or retried, the engine hands the recipe, the caller
// and the input data to an Admitter. Engine implements that interface by evaluating
// every enabled Rego policy and denying the request when any violation has error or
// critical severity. Warnings are logged and never block.
//
// # Writing policies
//
// A policy is a Rego module that defines a "deny" set. Each element is either a
// message string or an object with "message" and optionally "severity":
//
//	package castwork.admission.tenant
//
//	import rego.v1
//
//	deny contains msg if {
//		input.operation == "execute"
//		input.user_id == ""
//		msg := "anonymous executions are not allowed"
//	}
//
// The input document has the fields operation, user_id, recipe (including steps),
// input and timestamp.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, true)
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/castwork/policies"}); err != nil {
//		return err
//	}
//
//	err = eng.Admit(ctx, &engine.AdmissionRequest{Operation: engine.OperationExecute, ...})
//	if errors.Is(err, engine.ErrPolicyDenied) {
//		// reject the request
//	}
//
// Policy files are .rego modules, whose leading comment block may set severity,
// enabled and name, or .json documents carrying a "rego" field. A Watcher reloads the
// whole set after each burst of changes; a set that fails to load or compile leaves
// the previous one in place.
package policy
