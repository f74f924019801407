package domain

import (
	"fmt"
	"strings"
)

// FieldSet maps mergeable column names to the values to write.
type FieldSet map[string]any

// Columns returns the column names of the set in mergeable-field order.
func (f FieldSet) Columns() []string {
	cols := make([]string, 0, len(f))
	for _, field := range mergeableFields {
		if _, ok := f[field.column]; ok {
			cols = append(cols, field.column)
		}
	}
	return cols
}

type mergeableField struct {
	column  string
	isEmpty func(*Workout) bool
	copy    func(dst, src *Workout)
	value   func(*Workout) any
	set     func(*Workout, any) error
}

func numberField[T int | float64](column string, ref func(*Workout) **T) mergeableField {
	return mergeableField{
		column: column,
		isEmpty: func(w *Workout) bool {
			p := *ref(w)
			return p == nil || *p == 0
		},
		copy: func(dst, src *Workout) {
			v := **ref(src)
			*ref(dst) = &v
		},
		value: func(w *Workout) any { return **ref(w) },
		set: func(w *Workout, raw any) error {
			v, ok := raw.(T)
			if !ok {
				return fmt.Errorf("field %s: unexpected value type %T", column, raw)
			}
			*ref(w) = &v
			return nil
		},
	}
}

func textField(column string, ref func(*Workout) **string) mergeableField {
	return mergeableField{
		column: column,
		isEmpty: func(w *Workout) bool {
			p := *ref(w)
			return p == nil || strings.TrimSpace(*p) == ""
		},
		copy: func(dst, src *Workout) {
			v := **ref(src)
			*ref(dst) = &v
		},
		value: func(w *Workout) any { return **ref(w) },
		set: func(w *Workout, raw any) error {
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("field %s: unexpected value type %T", column, raw)
			}
			*ref(w) = &v
			return nil
		},
	}
}

// mergeableFields lists, in fill order, the scalar columns a canonical workout
// may inherit from its duplicates.
var mergeableFields = []mergeableField{
	numberField("average_watts", func(w *Workout) **float64 { return &w.AverageWatts }),
	numberField("normalized_power", func(w *Workout) **float64 { return &w.NormalizedPower }),
	numberField("average_hr", func(w *Workout) **float64 { return &w.AverageHR }),
	numberField("max_hr", func(w *Workout) **float64 { return &w.MaxHR }),
	numberField("average_cadence", func(w *Workout) **float64 { return &w.AverageCadence }),
	numberField("average_speed", func(w *Workout) **float64 { return &w.AverageSpeed }),
	numberField("max_speed", func(w *Workout) **float64 { return &w.MaxSpeed }),
	numberField("distance_meters", func(w *Workout) **float64 { return &w.DistanceMeters }),
	numberField("elevation_gain", func(w *Workout) **float64 { return &w.ElevationGain }),
	numberField("calories", func(w *Workout) **float64 { return &w.Calories }),
	numberField("tss", func(w *Workout) **float64 { return &w.TSS }),
	numberField("training_load", func(w *Workout) **float64 { return &w.TrainingLoad }),
	numberField("intensity", func(w *Workout) **float64 { return &w.Intensity }),
	numberField("kilojoules", func(w *Workout) **float64 { return &w.Kilojoules }),
	numberField("rpe", func(w *Workout) **int { return &w.RPE }),
	numberField("feel", func(w *Workout) **int { return &w.Feel }),
	textField("description", func(w *Workout) **string { return &w.Description }),
	textField("device_name", func(w *Workout) **string { return &w.DeviceName }),
}

var mergeableIndex = func() map[string]mergeableField {
	idx := make(map[string]mergeableField, len(mergeableFields))
	for _, f := range mergeableFields {
		idx[f.column] = f
	}
	return idx
}()

// MergeableColumns returns the column names the merge executor may fill.
func MergeableColumns() []string {
	cols := make([]string, len(mergeableFields))
	for i, f := range mergeableFields {
		cols[i] = f.column
	}
	return cols
}

// IsMergeableColumn reports whether column may appear in a FieldSet.
func IsMergeableColumn(column string) bool {
	_, ok := mergeableIndex[column]
	return ok
}

// ApplyFields writes fields onto w. Stores without a SQL layer use it to apply
// UpdateScalarFields.
func ApplyFields(w *Workout, fields FieldSet) error {
	for column := range fields {
		if !IsMergeableColumn(column) {
			return fmt.Errorf("%w: %s", ErrUnknownField, column)
		}
	}
	for _, column := range fields.Columns() {
		if err := mergeableIndex[column].set(w, fields[column]); err != nil {
			return err
		}
	}
	return nil
}

// fillMissing copies, for every field empty on canonical, the first non-empty
// value found among donors in order. It mutates canonical and returns what it
// filled.
func fillMissing(canonical *Workout, donors []Workout) FieldSet {
	filled := FieldSet{}
	for _, field := range mergeableFields {
		if !field.isEmpty(canonical) {
			continue
		}
		for i := range donors {
			donor := &donors[i]
			if field.isEmpty(donor) {
				continue
			}
			field.copy(canonical, donor)
			filled[field.column] = field.value(canonical)
			break
		}
	}
	return filled
}
