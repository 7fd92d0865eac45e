// Package command defines the fully-constructed command description
// that crosses the parent/monitor process boundary. It is kept as its
// own leaf package (rather than living on the top-level orchestrator)
// so internal/exec/monitor can decode it without an import cycle back
// to the package that assembles it.
package command

// Descriptor is the command the core executes under a PTY.
// Authentication, policy, argument parsing, environment sanitization
// and uid/gid resolution are all external collaborators (spec.md's
// explicit Non-goals); by the time a Descriptor reaches this package
// those decisions are already made. It is JSON-encoded and shipped to
// the monitor as the ExecCommand backchannel message's payload, since a
// re-exec'd monitor process does not inherit the parent's in-memory
// command object the way a forked one would.
type Descriptor struct {
	// Path is the resolved executable path.
	Path string `json:"path"`
	// Args is the full argv, including argv[0].
	Args []string `json:"args"`
	// Env is the complete environment to run the command with.
	Env []string `json:"env"`
	// Dir is the working directory, or "" for the monitor's current one.
	Dir string `json:"dir"`
	// Uid/Gid, when non-nil, are applied to the command process.
	Uid *uint32 `json:"uid,omitempty"`
	Gid *uint32 `json:"gid,omitempty"`
}
