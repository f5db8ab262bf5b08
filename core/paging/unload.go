package paging

import (
	"github.com/google/uuid"

	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// UnloadController never persists payloads. Entities flushed under it are
// dropped and rebuilt later by re-reading the original drawing by handle.
// Write and Read panic: the orchestrator never calls them in this mode.
type UnloadController struct {
	policy Policy
	db     uuid.UUID
	bound  bool
}

// NewUnloadController creates an unload-only controller.
func NewUnloadController(policy Policy) *UnloadController {
	return &UnloadController{policy: policy}
}

func (c *UnloadController) Name() string { return "unload" }

func (c *UnloadController) Mode() Mode { return c.policy.mode(ModeUnload) }

func (c *UnloadController) Bind(db uuid.UUID) error {
	c.db = db
	c.bound = true
	logging.ControllerLifecycle("bind", c.Name(), db.String())
	return nil
}

func (c *UnloadController) Unbind() error {
	if !c.bound {
		return nil
	}
	logging.ControllerLifecycle("unbind", c.Name(), c.db.String())
	c.bound = false
	c.db = uuid.Nil
	return nil
}

// Database returns the bound database, or uuid.Nil.
func (c *UnloadController) Database() uuid.UUID {
	return c.db
}

func (c *UnloadController) Write(payload []byte) (StorageKey, error) {
	panic("paging: Write called on unload-only controller")
}

func (c *UnloadController) Read(key StorageKey) ([]byte, error) {
	panic("paging: Read called on unload-only controller")
}

func (c *UnloadController) BeforePage(h handle.Handle) Verdict {
	return c.policy.verdict(h)
}
