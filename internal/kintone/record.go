package kintone

import (
	"strconv"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// Field codes of the defect app.
const (
	FieldDefectID     = "defect_id"
	FieldModelCode    = "model_code"
	FieldLotNumber    = "lot_number"
	FieldBoardIndex   = "current_board_index"
	FieldDefectNumber = "defect_number"
	FieldModelLabel   = "model_label"
	FieldBoardLabel   = "board_label"
	FieldLineName     = "line_name"
	FieldSerial       = "serial"
	FieldReference    = "reference"
	FieldDefectName   = "defect_name"
	FieldX            = "x"
	FieldY            = "y"
	FieldAOIUser      = "aoi_user"
	FieldInsertDate   = "insert_date"
)

// FieldValue is the {"value": ...} wrapper of one record field.
type FieldValue struct {
	Value string `json:"value"`
}

// Record is a kintone record keyed by field code.
type Record map[string]FieldValue

// RecordFromDefect maps a defect onto the app's fields. The remote
// reference itself is not a field; it is the record id.
func RecordFromDefect(d schema.Defect) Record {
	r := Record{
		FieldDefectID:     {d.ID},
		FieldModelCode:    {d.ModelCode},
		FieldLotNumber:    {d.LotNumber},
		FieldBoardIndex:   {strconv.Itoa(d.BoardIndex)},
		FieldDefectNumber: {strconv.Itoa(d.DefectNumber)},
		FieldModelLabel:   {d.ModelLabel},
		FieldBoardLabel:   {d.BoardLabel},
		FieldLineName:     {d.LineName},
		FieldSerial:       {d.Serial},
		FieldReference:    {d.Reference},
		FieldDefectName:   {d.DefectName},
		FieldAOIUser:      {d.AOIUser},
		FieldInsertDate:   {d.InsertDate},
	}
	if d.Coord != nil {
		r[FieldX] = FieldValue{strconv.FormatFloat(d.Coord.X, 'f', -1, 64)}
		r[FieldY] = FieldValue{strconv.FormatFloat(d.Coord.Y, 'f', -1, 64)}
	}
	return r
}

// RecordUpdate addresses an existing record by id.
type RecordUpdate struct {
	ID     string `json:"id"`
	Record Record `json:"record"`
}
