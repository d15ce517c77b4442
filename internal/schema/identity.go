package schema

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identity derives the stable identifier of a defect from its business keys.
//
// The result is a UUIDv5 in the DNS namespace over the keys joined with "_".
// It is identical across processes and time for the same four inputs. Empty
// strings are accepted and still yield a deterministic identity.
func Identity(modelCode, lotNumber string, boardIndex, defectNumber int) string {
	key := strings.Join([]string{
		modelCode,
		lotNumber,
		strconv.Itoa(boardIndex),
		strconv.Itoa(defectNumber),
	}, "_")
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(key)).String()
}
