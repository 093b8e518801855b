package opendata

import "strings"

// ParcelIDFieldCandidates are tried in order to find a layer's parcel number
// column.
var ParcelIDFieldCandidates = []string{"PRCL_NBR", "PARCEL", "PARCELID", "PARCEL_ID", "PRCL", "PID"}

// CountyParcelIDFieldCandidates are the county specific parcel number columns,
// tried on the parcels layer when no generic candidate exists.
var CountyParcelIDFieldCandidates = []string{"PIN_NUM", "PIN_NUMBER"}

// AddressFieldCandidates are tried in order to find a full address column.
var AddressFieldCandidates = []string{"FULLADDR", "FULL_ADDRESS", "ADDRESS", "ADDR", "SITEADDR", "SITUSADDR"}

// SQLQuote escapes a string for use inside a single quoted where literal.
func SQLQuote(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// PickFirstExistingField returns the first candidate present in fields,
// compared case-insensitively, spelled the way fields spells it.
func PickFirstExistingField(fields, candidates []string) (string, bool) {
	byUpper := make(map[string]string, len(fields))
	for _, f := range fields {
		byUpper[strings.ToUpper(f)] = f
	}
	for _, c := range candidates {
		if f, ok := byUpper[strings.ToUpper(c)]; ok {
			return f, true
		}
	}
	return "", false
}

func equalsClause(field, value string) string {
	return field + " = '" + SQLQuote(value) + "'"
}

func likeClause(field, value string) string {
	return field + " LIKE '%" + SQLQuote(value) + "%'"
}
