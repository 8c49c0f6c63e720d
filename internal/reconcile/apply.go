package reconcile

import (
	"context"

	"github.com/jbweber/kiln/internal/spec"
)

// Apply converges one resource toward a declared desired state. It is the
// declarative entry point: present images are created, present instances
// are created and booted, absent resources are deleted. Like every other
// operation, applying an already-converged state changes nothing.
func (r *Reconciler) Apply(ctx context.Context, d *spec.DesiredState) (*Result, error) {
	if d == nil {
		err := errf(KindInvalidSpec, nil, "desired state is required")
		return newReporter("").result("", err), err
	}
	if err := d.Validate(); err != nil {
		cerr := errf(KindInvalidSpec, err, "invalid desired state")
		return newReporter(d.Identifier()).result("", cerr), cerr
	}

	if d.Presence == spec.Absent {
		return r.Delete(ctx, d.Identifier())
	}

	if d.Image != nil {
		return r.CreateImage(ctx, d.Image)
	}

	// A present instance means disk allocated and booted. The two steps
	// stay individually idempotent; the fold reports changed if either
	// one acted. An instance spec without image parameters skips the
	// create and only boots what already exists.
	var created *Result
	if d.Instance.Image != nil {
		res, err := r.CreateInstance(ctx, d.Instance)
		if err != nil {
			return res, err
		}
		created = res
	}

	res, err := r.BootInstance(ctx, d.Instance)
	if res != nil && created != nil {
		res.Changed = res.Changed || created.Changed
	}
	return res, err
}
