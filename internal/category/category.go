// Package category maps state agency numbers onto the five spending categories.
package category

import (
	"fmt"
	"strings"

	"txtax/internal/core"
)

// Agencies are classified by primary function, not by expenditure type.
var agencyCategories = map[string]core.Category{
	// K-12, higher education and teacher retirement
	"701": core.Education, "709": core.Education,
	"710": core.Education, "713": core.Education, "714": core.Education, "715": core.Education,
	"716": core.Education, "717": core.Education, "718": core.Education, "719": core.Education,
	"720": core.Education, "721": core.Education, "723": core.Education, "724": core.Education,
	"726": core.Education, "727": core.Education, "728": core.Education, "729": core.Education,
	"730": core.Education, "731": core.Education, "733": core.Education, "734": core.Education,
	"735": core.Education, "736": core.Education, "737": core.Education, "738": core.Education,
	"739": core.Education, "742": core.Education, "743": core.Education, "744": core.Education,
	"745": core.Education, "747": core.Education, "749": core.Education, "750": core.Education,
	"751": core.Education, "752": core.Education, "753": core.Education, "754": core.Education,
	"756": core.Education, "757": core.Education, "758": core.Education, "759": core.Education,
	"760": core.Education, "761": core.Education, "763": core.Education, "764": core.Education,
	"765": core.Education, "769": core.Education, "770": core.Education, "771": core.Education,
	"772": core.Education, "773": core.Education, "774": core.Education, "775": core.Education,
	"781": core.Education, "783": core.Education, "784": core.Education, "785": core.Education,
	"787": core.Education, "788": core.Education, "789": core.Education,

	// Health and human services, medical licensing boards
	"503": core.Health, "504": core.Health, "506": core.Health, "507": core.Health,
	"508": core.Health, "510": core.Health, "512": core.Health, "514": core.Health,
	"515": core.Health, "520": core.Health, "529": core.Health, "530": core.Health,
	"537": core.Health, "538": core.Health, "539": core.Health, "542": core.Health,

	// TxDOT, DMV
	"601": core.Transport, "608": core.Transport,

	// Military, criminal justice, DPS, juvenile justice
	"401": core.PublicSafety, "403": core.PublicSafety, "405": core.PublicSafety,
	"407": core.PublicSafety, "409": core.PublicSafety, "454": core.PublicSafety,
	"644": core.PublicSafety, "696": core.PublicSafety,
}

// Agencies known to belong in "other": legislature, judiciary, executive and
// regulatory offices, natural resources, parks and fiscal programs.
var knownOther = map[string]struct{}{}

func init() {
	for _, code := range strings.Fields(`
		101 102 103 104 105 107 116
		201 211 212 213 215 221 222 223 224 225 226 227 228 229 230 231 232 233 234 241 242 243
		300 301 302 303 304 305 306 307 308 312 313 315 320 323 325 327 329 332 338 347 356 357 360 362
		411 448 451 452 455 456 458 459 460 464 466 469 473 476 477 479 481
		551 554 555 556 576 578 580 582
		802 808 809 813
		902 907 908 909 930`) {
		knownOther[code] = struct{}{}
	}
}

// NormalizeAgencyID trims whitespace and leading zeros and left-pads numeric ids to three digits.
func NormalizeAgencyID(id string) string {
	id = strings.TrimSpace(id)
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return id
	}
	if len(trimmed) < 3 {
		var n int
		if _, err := fmt.Sscanf(trimmed, "%d", &n); err == nil {
			return fmt.Sprintf("%03d", n)
		}
	}
	return trimmed
}

// ForAgency returns the category for an agency number. Unknown agencies fall into Other.
func ForAgency(agencyID string) core.Category {
	if c, ok := agencyCategories[NormalizeAgencyID(agencyID)]; ok {
		return c
	}
	return core.OtherCategory
}

// IsKnown reports whether the agency number appears in the classification table at all,
// including explicit "other" entries. Ingestion uses it to report unmapped agencies.
func IsKnown(agencyID string) bool {
	id := NormalizeAgencyID(agencyID)
	if _, ok := agencyCategories[id]; ok {
		return true
	}
	_, ok := knownOther[id]
	return ok
}
