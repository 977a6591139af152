package reconcile

import (
	"net/url"
	"strings"
)

const (
	deliveryHost   = "imagedelivery.net"
	cdnDeliveryDir = "cdn-cgi/imagedelivery"
)

func parseDeliveryURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(strings.ToLower(raw), deliveryHost+"/") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	return u, true
}

// assetPath splits the delivery path into account, asset id and the rest.
func assetPath(u *url.URL) (account, id string, rest []string, ok bool) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case strings.EqualFold(u.Hostname(), deliveryHost):
		// /<account>/<id>/<variant>
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], parts[2:], true
		}
	case strings.HasPrefix(strings.Trim(u.Path, "/"), cdnDeliveryDir+"/"):
		// /cdn-cgi/imagedelivery/<account>/<id>/<variant>
		if len(parts) >= 4 && parts[2] != "" && parts[3] != "" {
			return parts[2], parts[3], parts[4:], true
		}
	}
	return "", "", nil, false
}

// ExtractAssetID returns the delivery asset id embedded in an image URL.
// Both imagedelivery.net/<account>/<id>/<variant> and
// <host>/cdn-cgi/imagedelivery/<account>/<id>/<variant> are recognized.
func ExtractAssetID(raw string) (string, bool) {
	u, ok := parseDeliveryURL(raw)
	if !ok {
		return "", false
	}
	_, id, _, ok := assetPath(u)
	return id, ok
}

// NormalizeURL reduces an image URL to a stable form. Delivery URLs lose
// their variant suffix, query and fragment. Other URLs keep path and query as
// they are; only scheme and host are lowercased and the fragment dropped.
func NormalizeURL(raw string) string {
	u, ok := parseDeliveryURL(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	host := strings.ToLower(u.Host)
	if account, id, _, ok := assetPath(u); ok {
		if strings.EqualFold(u.Hostname(), deliveryHost) {
			return "https://" + host + "/" + account + "/" + id
		}
		return "https://" + host + "/" + cdnDeliveryDir + "/" + account + "/" + id
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = host
	u.Fragment, u.RawFragment = "", ""
	return u.String()
}

// AssetKey identifies the stored image a URL points at. Delivery URLs are
// keyed on account and asset id, so variants and the cdn-cgi path collapse to
// one key. Anything else keys on its normalized URL, case and query included.
func AssetKey(raw string) string {
	if u, ok := parseDeliveryURL(raw); ok {
		if account, id, _, ok := assetPath(u); ok {
			return "asset:" + account + "/" + id
		}
	}
	return "url:" + NormalizeURL(raw)
}
