// Package schema defines the records persisted and synchronized by aoirecord.
//
// # Overview
//
// A Defect is one inspection observation placed on the reference image of a
// board. It is keyed by a content-derived identity so the same observation
// written from the local store, the shared store and the remote API always
// lands on the same row:
//
//	id = UUIDv5(DNS, "{model_code}_{lot_number}_{board_index}_{defect_number}")
//
// A Repair annotates a Defect with its repair state and parts classification.
// It shares the Defect's identity and is only looked up by this module.
//
// # Numbering
//
// Within one board index, defect numbers are dense: 1..N with no gaps.
// RenumberBoard restores the invariant after a deletion and reports which
// records changed identity as a consequence.
//
// # Usage Examples
//
// Creating a defect:
//
//	d := schema.Defect{
//	    ModelCode:    "Y8470722R",
//	    LotNumber:    "1234567-10",
//	    BoardIndex:   1,
//	    DefectNumber: 1,
//	    Reference:    "U1",
//	    DefectName:   "コテ不足",
//	    Coord:        &schema.Point{X: 0.42, Y: 0.77},
//	}
//	d.AssignID()
//	if err := d.Validate(); err != nil {
//	    return err
//	}
//
// Validating a lot number:
//
//	if err := schema.ValidateLotNumber("1234567-10"); err != nil {
//	    return err
//	}
package schema
