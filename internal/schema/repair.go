package schema

// Repair status values as written by the repair station.
const (
	RepairStatusRepaired   = "修理済み"
	RepairStatusUnrepaired = "未修理"
)

// Parts classifications.
const (
	PartsTypeChip  = "C/R"
	PartsTypeOther = "異形"
)

// Repair annotates a Defect (same ID) with its repair state.
type Repair struct {
	ID         string `json:"id" yaml:"id"`
	Status     string `json:"is_repaird" yaml:"is_repaird"`
	PartsType  string `json:"parts_type,omitempty" yaml:"parts_type,omitempty"`
	InsertDate string `json:"insert_date,omitempty" yaml:"insert_date,omitempty"`
}

// IsRepaired reports whether the defect has been marked repaired.
func (r Repair) IsRepaired() bool {
	return r.Status == RepairStatusRepaired
}

// SetDefaults fills the unrepaired status when none was recorded.
func (r *Repair) SetDefaults() {
	if r.Status == "" {
		r.Status = RepairStatusUnrepaired
	}
}

// IndexRepairs maps repairs by defect identity.
func IndexRepairs(repairs []Repair) map[string]Repair {
	m := make(map[string]Repair, len(repairs))
	for _, r := range repairs {
		m[r.ID] = r
	}
	return m
}
