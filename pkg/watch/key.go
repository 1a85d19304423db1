package watch

// PlanVersionKey is the Consul KV key the controller bumps on every plan change.
const PlanVersionKey = "peer-wan/plan/version"
