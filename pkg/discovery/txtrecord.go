package discovery

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// TXTRecordMap holds TXT key/value pairs.
type TXTRecordMap map[string]string

// EncodeServiceTXT builds the TXT records for info.
func EncodeServiceTXT(info *ServiceInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion:   TXTVersion,
		TXTKeySessionID: info.SessionID,
	}
	if len(info.Resources) > 0 {
		txt[TXTKeyResources] = strings.Join(info.Resources, ",")
	}
	if len(info.Observable) > 0 {
		txt[TXTKeyObservable] = strings.Join(info.Observable, ",")
	}
	if info.Software != "" {
		txt[TXTKeySoftware] = info.Software
	}
	return txt
}

// DecodeServiceTXT parses TXT records into a ServiceInfo. Instance and Port
// are not part of the TXT records and stay empty.
func DecodeServiceTXT(txt TXTRecordMap) (*ServiceInfo, error) {
	if v, ok := txt[TXTKeyVersion]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	} else if v != TXTVersion {
		return nil, fmt.Errorf("%w: unsupported txtvers %q", ErrInvalidTXTRecord, v)
	}
	sid, ok := txt[TXTKeySessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeySessionID)
	}
	return &ServiceInfo{
		SessionID:  sid,
		Resources:  splitList(txt[TXTKeyResources]),
		Observable: splitList(txt[TXTKeyObservable]),
		Software:   txt[TXTKeySoftware],
	}, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings,
// sorted by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for _, k := range slices.Sorted(maps.Keys(txt)) {
		result = append(result, k+"="+txt[k])
	}
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// txtSize returns the wire size of the records: one length byte per
// string.
func txtSize(strs []string) int {
	n := 0
	for _, s := range strs {
		n += 1 + len(s)
	}
	return n
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrMissingRequired)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

// DefaultInstanceName derives an instance name from the host name.
func DefaultInstanceName(hostname string) string {
	hostname, _, _ = strings.Cut(hostname, ".")
	name := "coap-" + hostname
	if hostname == "" {
		name = "coap"
	}
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}
