package pointmass

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/worker"
)

// Name is the registry name of the environment.
const Name = "pointmass"

// Models accepted by ReloadModel.
const (
	ModelCorner = "corner"
	ModelCenter = "center"
	ModelRandom = "random"
)

func init() {
	worker.Register(Name, Factory(DefaultConfig()))
}

// Config parameterises the arena.
type Config struct {
	// Arena is the half-width of the square arena centred on the origin.
	Arena float64
	// ActionScale is the displacement of a full-strength action.
	ActionScale float64
	// GoalRadius is the distance at which the goal counts as reached.
	GoalRadius float64
	// MaxSteps truncates the episode; zero disables truncation.
	MaxSteps int
	// RenderSize is the side of the rendered occupancy grid.
	RenderSize int
	// Model is the initial goal layout.
	Model string
}

// DefaultConfig returns the configuration registered under Name.
func DefaultConfig() Config {
	return Config{
		Arena:       1,
		ActionScale: 0.1,
		GoalRadius:  0.05,
		MaxSteps:    200,
		RenderSize:  16,
		Model:       ModelCorner,
	}
}

// Factory returns a factory building environments from cfg.
func Factory(cfg Config) environment.Factory {
	return func() (environment.Environment, error) {
		return New(cfg)
	}
}

// Env is a point mass in a square arena that must be steered onto a goal.
// Actions are 2-D velocities in [-1, 1]; the reward is the negative distance
// to the goal, and 1 when the goal is reached.
type Env struct {
	cfg Config
	rng *rand.Rand

	model      string
	position   [2]float64
	goal       [2]float64
	steps      int
	needsReset bool
}

// New validates cfg and builds an unseeded environment.
func New(cfg Config) (*Env, error) {
	if cfg.Arena <= 0 || cfg.ActionScale <= 0 || cfg.GoalRadius <= 0 {
		return nil, fmt.Errorf("pointmass: invalid config %+v", cfg)
	}
	if cfg.RenderSize <= 0 {
		cfg.RenderSize = DefaultConfig().RenderSize
	}
	if cfg.Model == "" {
		cfg.Model = ModelCorner
	}
	if !knownModel(cfg.Model) {
		return nil, fmt.Errorf("pointmass: unknown model %q", cfg.Model)
	}
	return &Env{
		cfg:        cfg,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		model:      cfg.Model,
		needsReset: true,
	}, nil
}

func knownModel(id string) bool {
	switch id {
	case ModelCorner, ModelCenter, ModelRandom:
		return true
	}
	return false
}

// =============================================================================
// 🎮 environment.Environment
// =============================================================================

func (e *Env) Reset() (environment.TimeStep, error) {
	e.steps = 0
	e.needsReset = false
	e.position = [2]float64{e.uniform(), e.uniform()}
	e.goal = e.placeGoal()
	return environment.Restart(e.observation()), nil
}

// Step moves the point mass. Stepping after the last step of an episode
// starts a new one.
func (e *Env) Step(action environment.Array) (environment.TimeStep, error) {
	if e.needsReset {
		return e.Reset()
	}
	if len(action.Data) != 2 {
		return environment.TimeStep{}, fmt.Errorf("pointmass: action has %d values, want 2", len(action.Data))
	}

	for i, v := range action.Data {
		if math.IsNaN(v) {
			return environment.TimeStep{}, fmt.Errorf("pointmass: action[%d] is NaN", i)
		}
		v = math.Max(-1, math.Min(1, v))
		e.position[i] = math.Max(-e.cfg.Arena, math.Min(e.cfg.Arena, e.position[i]+v*e.cfg.ActionScale))
	}
	e.steps++

	dist := e.distance()
	switch {
	case dist <= e.cfg.GoalRadius:
		e.needsReset = true
		return environment.Termination(e.observation(), 1), nil
	case e.cfg.MaxSteps > 0 && e.steps >= e.cfg.MaxSteps:
		e.needsReset = true
		return environment.TimeStep{
			StepType:    environment.StepLast,
			Reward:      -dist,
			Discount:    1,
			Observation: e.observation(),
		}, nil
	default:
		return environment.Transition(e.observation(), -dist, 1), nil
	}
}

// Seed reseeds the generator used for start positions and random goals.
func (e *Env) Seed(seed int64) ([]int64, error) {
	e.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	return []int64{seed}, nil
}

// ReloadModel swaps the goal layout. The current episode ends.
func (e *Env) ReloadModel(modelID string) error {
	if !knownModel(modelID) {
		return fmt.Errorf("pointmass: unknown model %q", modelID)
	}
	e.model = modelID
	e.needsReset = true
	return nil
}

func (e *Env) Close() error { return nil }

func (e *Env) ActionSpec() environment.ArraySpec {
	return environment.NewBoundedArraySpec("velocity", environment.Float32, -1, 1, 2)
}

func (e *Env) ObservationSpec() map[string]environment.ArraySpec {
	return map[string]environment.ArraySpec{
		"position": environment.NewBoundedArraySpec("position", environment.Float64, -e.cfg.Arena, e.cfg.Arena, 2),
		"goal":     environment.NewBoundedArraySpec("goal", environment.Float64, -e.cfg.Arena, e.cfg.Arena, 2),
	}
}

func (e *Env) TimeStepSpec() environment.TimeStepSpec {
	return environment.NewTimeStepSpec(e.ObservationSpec())
}

// =============================================================================
// 🖼️ 可选接口
// =============================================================================

// Render draws an occupancy grid: 1 marks the point mass, 2 the goal.
func (e *Env) Render() (environment.Array, error) {
	n := e.cfg.RenderSize
	frame := make([]float64, n*n)
	gx, gy := e.cell(e.goal)
	frame[gy*n+gx] = 2
	px, py := e.cell(e.position)
	frame[py*n+px] = 1
	return environment.NewArray([]int{n, n}, frame)
}

func (e *Env) Attribute(name string) (any, bool, error) {
	switch name {
	case "step_count":
		return e.steps, true, nil
	case "model_id":
		return e.model, true, nil
	}
	return nil, false, nil
}

// CallMethod serves "distance", the current distance to the goal.
func (e *Env) CallMethod(name string, _ []any) (any, bool, error) {
	if name != "distance" {
		return nil, false, nil
	}
	return e.distance(), true, nil
}

// =============================================================================
// 🔧 内部
// =============================================================================

func (e *Env) placeGoal() [2]float64 {
	switch e.model {
	case ModelCenter:
		return [2]float64{0, 0}
	case ModelRandom:
		return [2]float64{e.uniform(), e.uniform()}
	default:
		c := 0.8 * e.cfg.Arena
		return [2]float64{c, c}
	}
}

func (e *Env) uniform() float64 {
	return (2*e.rng.Float64() - 1) * e.cfg.Arena
}

func (e *Env) distance() float64 {
	return math.Hypot(e.position[0]-e.goal[0], e.position[1]-e.goal[1])
}

func (e *Env) cell(p [2]float64) (int, int) {
	n := e.cfg.RenderSize
	idx := func(v float64) int {
		i := int((v + e.cfg.Arena) / (2 * e.cfg.Arena) * float64(n))
		return max(0, min(n-1, i))
	}
	return idx(p[0]), idx(p[1])
}

func (e *Env) observation() map[string]environment.Array {
	return map[string]environment.Array{
		"position": environment.Vector(e.position[0], e.position[1]),
		"goal":     environment.Vector(e.goal[0], e.goal[1]),
	}
}

var (
	_ environment.Environment       = (*Env)(nil)
	_ environment.Renderer          = (*Env)(nil)
	_ environment.AttributeProvider = (*Env)(nil)
	_ environment.MethodCaller      = (*Env)(nil)
)
