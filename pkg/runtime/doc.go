// Package runtime orchestrates playbook executions.
//
// An Orchestrator looks playbooks up in a DefinitionSource and runs their
// steps strictly in order. For each step it resolves capabilities to
// providers, allocates resources through the priority chain, asks the
// optional AdmissionGuard, and hands the bound step to the execution
// manager. Resources allocated for a step are released when the step ends,
// whatever the outcome. Outputs of each step are merged into the inputs of
// the next.
//
// Executions can be paused and resumed at step boundaries, or cancelled at
// any time. Finished executions are kept in a bounded history and, when an
// ExecutionRepository is configured, persisted.
package runtime
