package activity

import "strings"

// Type is the canonical activity type.
type Type string

const (
	TypeRun            Type = "Run"
	TypeRide           Type = "Ride"
	TypeSwim           Type = "Swim"
	TypeWalk           Type = "Walk"
	TypeHike           Type = "Hike"
	TypeAlpineSki      Type = "AlpineSki"
	TypeNordicSki      Type = "NordicSki"
	TypeRowing         Type = "Rowing"
	TypeWeightTraining Type = "WeightTraining"
	TypeYoga           Type = "Yoga"
	TypeElliptical     Type = "Elliptical"
	TypeStairStepper   Type = "StairStepper"
	TypeWorkout        Type = "Workout" // fallback for anything unmapped
)

// typeTable maps normalized provider type strings to canonical types.
// Keys are lowercase with separators removed (see normalizeKey).
var typeTable = map[string]Type{
	// running
	"run":          TypeRun,
	"running":      TypeRun,
	"trailrun":     TypeRun,
	"treadmillrun": TypeRun,
	"virtualrun":   TypeRun,
	"jog":          TypeRun,

	// cycling
	"ride":              TypeRide,
	"cycling":           TypeRide,
	"bike":              TypeRide,
	"biking":            TypeRide,
	"virtualride":       TypeRide,
	"mountainbikeride":  TypeRide,
	"gravelride":        TypeRide,
	"ebikeride":         TypeRide,
	"emountainbikeride": TypeRide,
	"handcycle":         TypeRide,
	"velomobile":        TypeRide,

	"swim":     TypeSwim,
	"swimming": TypeSwim,

	"walk":    TypeWalk,
	"walking": TypeWalk,

	"hike":   TypeHike,
	"hiking": TypeHike,

	"alpineski":      TypeAlpineSki,
	"alpineskiing":   TypeAlpineSki,
	"backcountryski": TypeAlpineSki,
	"snowboard":      TypeAlpineSki,

	"nordicski":          TypeNordicSki,
	"crosscountryskiing": TypeNordicSki,

	"rowing":       TypeRowing,
	"virtualrow":   TypeRowing,
	"indoorrowing": TypeRowing,

	"weighttraining":   TypeWeightTraining,
	"strengthtraining": TypeWeightTraining,
	"training":         TypeWeightTraining,

	"yoga": TypeYoga,

	"elliptical": TypeElliptical,

	"stairstepper": TypeStairStepper,
	"stairs":       TypeStairStepper,

	"workout":  TypeWorkout,
	"crossfit": TypeWorkout,
	"hiit":     TypeWorkout,
	"generic":  TypeWorkout,
}

// NormalizeType maps a provider-native type string to a canonical Type.
// Lookup ignores case, spaces, hyphens and underscores. Unknown or empty
// input maps to TypeWorkout, so the function is total.
func NormalizeType(raw string) Type {
	if t, ok := typeTable[normalizeKey(raw)]; ok {
		return t
	}
	return TypeWorkout
}

// KnownTypes returns every canonical type in a stable order.
func KnownTypes() []Type {
	return []Type{
		TypeRun, TypeRide, TypeSwim, TypeWalk, TypeHike, TypeAlpineSki,
		TypeNordicSki, TypeRowing, TypeWeightTraining, TypeYoga,
		TypeElliptical, TypeStairStepper, TypeWorkout,
	}
}

func normalizeKey(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch r {
		case ' ', '-', '_', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
