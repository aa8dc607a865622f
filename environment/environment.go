package environment

// Environment is a single stateful simulation instance. Implementations need
// not be safe for concurrent use: each one is owned by exactly one worker.
type Environment interface {
	// Reset starts a new episode.
	Reset() (TimeStep, error)
	// Step applies one action and advances the simulation.
	Step(action Array) (TimeStep, error)
	// Seed seeds the environment's random sources and returns the seeds used.
	Seed(seed int64) ([]int64, error)
	// ReloadModel swaps the scenario/model backing the environment in place.
	ReloadModel(modelID string) error
	// Close releases simulator resources.
	Close() error

	ActionSpec() ArraySpec
	ObservationSpec() map[string]ArraySpec
	TimeStepSpec() TimeStepSpec
}

// Factory creates an Environment. It runs inside the worker's own execution
// context and must not rely on state shared with the caller.
type Factory func() (Environment, error)

// Renderer is implemented by environments that can produce a frame.
type Renderer interface {
	Render() (Array, error)
}

// AttributeProvider exposes named read-only attributes beyond the specs.
// ok is false for names the environment does not know.
type AttributeProvider interface {
	Attribute(name string) (value any, ok bool, err error)
}

// MethodCaller exposes named environment methods beyond the fixed
// operations. ok is false for names the environment does not know.
type MethodCaller interface {
	CallMethod(name string, args []any) (result any, ok bool, err error)
}
