package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Capability is a bit-set of the operations a device may undergo while in a
// given state.
type Capability uint16

const (
	// CapAssignContainer allows moving the device between cartons and pallets.
	CapAssignContainer Capability = 1 << iota
	// CapAssignCustomer allows binding the device to a customer.
	CapAssignCustomer
	// CapNotifyCustomer allows sending the customer notification.
	CapNotifyCustomer
	// CapImportUpdate allows a bulk import to overwrite identifiers and
	// container references of an existing device.
	CapImportUpdate
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapAssignContainer, "assign_container"},
	{CapAssignCustomer, "assign_customer"},
	{CapNotifyCustomer, "notify_customer"},
	{CapImportUpdate, "import_update"},
}

var stateCapabilities = [stateCount]Capability{
	InProduction:   CapAssignContainer | CapImportUpdate,
	QualityControl: CapAssignContainer | CapImportUpdate,
	Approved:       CapAssignContainer | CapAssignCustomer | CapImportUpdate,
	Packed:         CapAssignContainer | CapAssignCustomer | CapImportUpdate,
	Shipped:        CapAssignCustomer | CapNotifyCustomer,
	Active:         CapAssignCustomer | CapNotifyCustomer,
	Faulty:         CapNotifyCustomer,
	RMA:            CapNotifyCustomer,
}

// ErrNotPermitted matches every CapabilityError.
var ErrNotPermitted = errors.New("lifecycle: operation not permitted in state")

// CapabilityError reports an operation attempted in a state that does not
// allow it.
type CapabilityError struct {
	State State
	Need  Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s not permitted in state %s", e.Need, e.State)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrNotPermitted
}

// Capabilities returns what a device in state s may do.
func Capabilities(s State) Capability {
	if !s.Valid() {
		return 0
	}
	return stateCapabilities[s]
}

// Has reports whether every bit of x is set in c.
func (c Capability) Has(x Capability) bool {
	return c&x == x
}

// Require returns a *CapabilityError unless state s grants need.
func Require(s State, need Capability) error {
	if !Capabilities(s).Has(need) {
		return &CapabilityError{State: s, Need: need}
	}
	return nil
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, cn := range capabilityNames {
		if c&cn.cap != 0 {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, "|")
}
