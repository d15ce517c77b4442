package schema

// Renumbered describes a defect whose number, and therefore identity,
// changed while its board was renumbered.
type Renumbered struct {
	OldID  string
	Defect Defect
}

// Renumber returns a copy of board with defect numbers rewritten to 1..N in
// the given order. Identities are recomputed for every record whose number
// changed; RemoteID is carried over untouched.
func Renumber(board []Defect) []Defect {
	out := CloneAll(board)
	for i := range out {
		n := i + 1
		if out[i].DefectNumber != n {
			out[i].DefectNumber = n
			out[i].AssignID()
		}
	}
	return out
}

// RenumberBoard renumbers the records of one board inside list, leaving
// records of other boards untouched and keeping every record at its position.
// It returns the new list and the records that were renumbered.
func RenumberBoard(list []Defect, boardIndex int) ([]Defect, []Renumbered) {
	out := CloneAll(list)
	var changed []Renumbered
	n := 0
	for i := range out {
		if out[i].BoardIndex != boardIndex {
			continue
		}
		n++
		if out[i].DefectNumber == n {
			continue
		}
		oldID := out[i].ID
		out[i].DefectNumber = n
		out[i].AssignID()
		changed = append(changed, Renumbered{OldID: oldID, Defect: out[i].Clone()})
	}
	return out, changed
}

// BoardDefects returns the records of one board in list order.
func BoardDefects(list []Defect, boardIndex int) []Defect {
	var out []Defect
	for _, d := range list {
		if d.BoardIndex == boardIndex {
			out = append(out, d)
		}
	}
	return out
}

// NextDefectNumber returns the number the next new defect on boardIndex
// receives.
func NextDefectNumber(list []Defect, boardIndex int) int {
	return len(BoardDefects(list, boardIndex)) + 1
}

// MaxBoardIndex returns the highest board index present in list, or 1 when
// list is empty.
func MaxBoardIndex(list []Defect) int {
	max := 1
	for _, d := range list {
		if d.BoardIndex > max {
			max = d.BoardIndex
		}
	}
	return max
}

// IsDense reports whether the defect numbers on boardIndex are exactly
// 1..count with no gaps or duplicates.
func IsDense(list []Defect, boardIndex int) bool {
	board := BoardDefects(list, boardIndex)
	seen := make(map[int]bool, len(board))
	for _, d := range board {
		if d.DefectNumber < 1 || d.DefectNumber > len(board) || seen[d.DefectNumber] {
			return false
		}
		seen[d.DefectNumber] = true
	}
	return true
}
