package session

import (
	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/schema"
)

// Phase is the controller's position in the session lifecycle.
type Phase int

const (
	PhaseNoLot Phase = iota
	PhaseLotSelected
	PhaseBoardActive
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNoLot:
		return "no_lot"
	case PhaseLotSelected:
		return "lot_selected"
	case PhaseBoardActive:
		return "board_active"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Schedule load states shown next to the remote indicator.
const (
	ScheduleUnset   = "未設定"
	ScheduleLoading = "読み込み中"
	ScheduleLoaded  = "読み込み完了"
	ScheduleError   = "エラー"
)

// State is the data of one open session. Controller.State returns a copy.
type State struct {
	Phase Phase `json:"phase"`

	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`

	LotNumber string           `json:"lot_number,omitempty"`
	ItemCode  string           `json:"item_code,omitempty"`
	LineName  string           `json:"line_name,omitempty"`
	ImagePath string           `json:"image_path,omitempty"`
	Image     lookup.ImageName `json:"-"`

	BoardIndex  int `json:"board_index"`
	TotalBoards int `json:"total_boards"`

	// Defects holds every board of the lot in insertion order.
	Defects []schema.Defect          `json:"defects"`
	Repairs map[string]schema.Repair `json:"-"`

	// Selected is the index into the visible rows, or -1.
	Selected int           `json:"selected"`
	Coord    *schema.Point `json:"coord,omitempty"`

	RemoteConnected bool   `json:"remote_connected"`
	LocalReady      bool   `json:"local_ready"`
	ScheduleStatus  string `json:"schedule_status"`
}

func (s State) clone() State {
	s.Defects = schema.CloneAll(s.Defects)
	if s.Coord != nil {
		p := *s.Coord
		s.Coord = &p
	}
	if s.Repairs != nil {
		m := make(map[string]schema.Repair, len(s.Repairs))
		for k, v := range s.Repairs {
			m[k] = v
		}
		s.Repairs = m
	}
	return s
}

// Row is one line of the visible defect list of the current board.
type Row struct {
	Index        int    `json:"index"`
	DefectNumber int    `json:"defect_number"`
	Reference    string `json:"reference"`
	DefectName   string `json:"defect_name"`
	Repaired     string `json:"repaired"`
}

// RepairedMark is shown in Row.Repaired for repaired defects.
const RepairedMark = "済"
