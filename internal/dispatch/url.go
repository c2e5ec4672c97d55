package dispatch

import (
	"fmt"
	"net/url"
	"strings"

	"callpop/internal/correlator"
	"callpop/internal/dial"
)

// BuildURL renders the user summary link for an answered call:
//
//	https://<host>/#/usersummary/{call_id}/{dept}/{caller}/{extension}
//
// call_id is the correlation key reduced to its digits.
func BuildURL(host, dept string, a correlator.Action) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("dispatch: empty host")
	}
	callID := dial.Digits(a.CallID)
	if callID == "" {
		return "", fmt.Errorf("dispatch: call id %q has no digits", a.CallID)
	}
	for name, v := range map[string]string{"dept": dept, "caller": a.Caller, "extension": a.Extension} {
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("dispatch: empty %s", name)
		}
	}
	return fmt.Sprintf("https://%s/#/usersummary/%s/%s/%s/%s",
		host,
		callID,
		url.PathEscape(dept),
		url.PathEscape(a.Caller),
		url.PathEscape(a.Extension),
	), nil
}
