package phase

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lucasjlepore/gaitphase/trial"
)

// ErrUnrecognizedVariable is returned for channel names outside the vocabulary.
var ErrUnrecognizedVariable = errors.New("unrecognized variable")

// Kind is the physical quantity a variable carries.
type Kind string

const (
	KindAngle        Kind = "angle"
	KindVelocity     Kind = "velocity"
	KindAcceleration Kind = "acceleration"
	KindMoment       Kind = "moment"
	KindGRF          Kind = "grf"
)

// Side tokens used in variable names. Raw channels carry absolute tokens;
// standardized variables are relative to the stride's side.
const (
	SideLeft   = "l"
	SideRight  = "r"
	SideIpsi   = "ipsi"
	SideContra = "contra"
)

// Joint motions shared by angle, velocity, acceleration and moment variables.
var JointMotions = []string{
	"hip_flexion",
	"hip_adduction",
	"hip_rotation",
	"knee_flexion",
	"ankle_dorsiflexion",
	"ankle_inversion",
	"ankle_rotation",
}

// ForceAxes are the ground-reaction-force components.
var ForceAxes = []string{"vertical", "anterior", "lateral"}

var kindUnits = map[Kind][]string{
	KindAngle:        {"rad"},
	KindVelocity:     {"rad_s"},
	KindAcceleration: {"rad_s2"},
	KindMoment:       {"Nm", "Nm_kg"},
	KindGRF:          {"N", "BW"},
}

// Kinds lists every kind in vocabulary order.
var Kinds = []Kind{KindAngle, KindVelocity, KindAcceleration, KindMoment, KindGRF}

// Variable is a parsed "<motion>_<kind>_<side>_<unit>" name.
type Variable struct {
	Motion string
	Kind   Kind
	Side   string
	Unit   string
}

func (v Variable) String() string {
	return v.Motion + "_" + string(v.Kind) + "_" + v.Side + "_" + v.Unit
}

// IsStandardized reports whether the side token is relative (ipsi/contra).
func (v Variable) IsStandardized() bool {
	return v.Side == SideIpsi || v.Side == SideContra
}

// Relative maps an absolute l/r side token to ipsi/contra with respect to
// the stride's side. Standardized variables are returned unchanged.
func (v Variable) Relative(strideSide trial.Side) Variable {
	if v.IsStandardized() {
		return v
	}
	if v.Side == strideSide.Token() {
		v.Side = SideIpsi
	} else {
		v.Side = SideContra
	}
	return v
}

// Derived names the velocity or acceleration channel computed from an angle.
func (v Variable) Derived(kind Kind) (Variable, error) {
	if v.Kind != KindAngle {
		return Variable{}, fmt.Errorf("only angle variables have derivatives, got %s", v)
	}
	switch kind {
	case KindVelocity, KindAcceleration:
	default:
		return Variable{}, fmt.Errorf("kind %q is not a derivative", kind)
	}
	v.Kind = kind
	v.Unit = kindUnits[kind][0]
	return v, nil
}

// ParseVariable parses and validates a variable name against the closed vocabulary.
func ParseVariable(name string) (Variable, error) {
	tokens := strings.Split(strings.TrimSpace(name), "_")
	k := -1
	for i, tok := range tokens {
		if _, ok := kindUnits[Kind(tok)]; ok {
			k = i
			break
		}
	}
	if k < 1 || k+2 >= len(tokens) {
		return Variable{}, fmt.Errorf("%w: %q", ErrUnrecognizedVariable, name)
	}
	v := Variable{
		Motion: strings.Join(tokens[:k], "_"),
		Kind:   Kind(tokens[k]),
		Side:   tokens[k+1],
		Unit:   strings.Join(tokens[k+2:], "_"),
	}

	motions := JointMotions
	if v.Kind == KindGRF {
		motions = ForceAxes
	}
	if !slices.Contains(motions, v.Motion) {
		return Variable{}, fmt.Errorf("%w: %q has unknown %s component %q", ErrUnrecognizedVariable, name, v.Kind, v.Motion)
	}
	switch v.Side {
	case SideLeft, SideRight, SideIpsi, SideContra:
	default:
		return Variable{}, fmt.Errorf("%w: %q has unknown side %q", ErrUnrecognizedVariable, name, v.Side)
	}
	if !slices.Contains(kindUnits[v.Kind], v.Unit) {
		return Variable{}, fmt.Errorf("%w: %q has unit %q, expected one of %s", ErrUnrecognizedVariable, name, v.Unit, strings.Join(kindUnits[v.Kind], "|"))
	}
	return v, nil
}

// ParseStandardized parses a name that must use ipsi/contra side tokens.
func ParseStandardized(name string) (Variable, error) {
	v, err := ParseVariable(name)
	if err != nil {
		return Variable{}, err
	}
	if !v.IsStandardized() {
		return Variable{}, fmt.Errorf("%w: %q uses an absolute side token, expected ipsi|contra", ErrUnrecognizedVariable, name)
	}
	return v, nil
}

// Vocabulary enumerates every standardized variable name.
func Vocabulary() []string {
	out := make([]string, 0, 128)
	for _, kind := range Kinds {
		motions := JointMotions
		if kind == KindGRF {
			motions = ForceAxes
		}
		for _, motion := range motions {
			for _, side := range []string{SideIpsi, SideContra} {
				for _, unit := range kindUnits[kind] {
					out = append(out, Variable{Motion: motion, Kind: kind, Side: side, Unit: unit}.String())
				}
			}
		}
	}
	return out
}
