package auth

import (
	"fmt"
	"strings"

	"smartwarehouse/internal/util"
)

// Username builds the admin login name for a new warehouse: initials of every
// name but the last, the last name in full, the warehouse code and the last
// three digits of the warehouse id. "Nguyễn Văn An", "Kho Giày ABC", 7 gives
// "nvankhogiayabc007".
func Username(fullName, warehouseName string, warehouseID int64) string {
	words := strings.Fields(strings.ToLower(util.FoldDiacritics(fullName)))
	var b strings.Builder
	for i, w := range words {
		w = alnum(w)
		if w == "" {
			continue
		}
		if i < len(words)-1 {
			b.WriteByte(w[0])
			continue
		}
		b.WriteString(w)
	}
	b.WriteString(WarehouseCode(warehouseName))
	id := warehouseID % 1000
	if id < 0 {
		id = -id
	}
	fmt.Fprintf(&b, "%03d", id)
	return b.String()
}

// WarehouseCode lowercases, folds and keeps only [a-z0-9].
func WarehouseCode(name string) string {
	return alnum(strings.ToLower(util.FoldDiacritics(name)))
}

func alnum(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
}
