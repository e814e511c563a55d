package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/ledgerwise/wms/internal/shared"
)

var idSanitizer = strings.NewReplacer(" ", "_", "/", "_", "\t", "_")

// IDPart normalises a code for use inside a deterministic identifier.
func IDPart(s string) string {
	return idSanitizer.Replace(strings.TrimSpace(s))
}

// TransactionID builds the persisted identifier of a movement. The same
// inputs always give the same identifier.
func TransactionID(date time.Time, warehouseCode, skuCode, batchLot string, seq int64) string {
	return fmt.Sprintf("TXN-%s-%s-%s-%s-%06d",
		shared.DateOf(date).Format(shared.DateLayout), IDPart(warehouseCode), IDPart(skuCode), IDPart(batchLot), seq)
}
