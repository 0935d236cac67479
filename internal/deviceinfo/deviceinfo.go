// Package deviceinfo projects a merged build.prop property map onto a
// fixed device-descriptor schema: brand, model, Android version, security
// patch date, fingerprint and a handful of vendor extras, each resolved
// through an ordered list of candidate build.prop keys (see DESIGN.md for
// how the candidate-key tables and fingerprint-fallback regexes were
// derived).
package deviceinfo

import (
	"regexp"
	"strings"

	"github.com/edl-core/firmcore/internal/buildprop"
)

// Info is the canonical device descriptor.
type Info struct {
	Brand          string
	Model          string
	MarketName     string
	Device         string
	AndroidVersion string
	SecurityPatch  string
	OTAVersion     string
	Fingerprint    string
	BuildDate      string
	SDKVersion     string
	Baseband       string
	VendorExtras   map[string]string
}

// blacklist holds values that never count as a real answer even when
// present.
var blacklist = map[string]bool{"unknown": true, "oplus": true, "ossi": true}

// candidateKeys lists, per output field, the ordered build.prop keys
// consulted until a non-blacklisted non-empty value is found.
var candidateKeys = map[string][]string{
	"brand":           {"ro.product.brand", "ro.product.system.brand", "ro.product.vendor.brand"},
	"model":           {"ro.product.model", "ro.product.system.model", "ro.product.vendor.model"},
	"market_name":     {"ro.product.marketname", "ro.config.marketing_name"},
	"device":          {"ro.product.device", "ro.product.system.device", "ro.build.product"},
	"android_version": {"ro.build.version.release", "ro.system.build.version.release"},
	"security_patch":  {"ro.build.version.security_patch"},
	"ota_version":     {"ro.build.version.ota", "ro.vendor.build.version.ota"},
	"fingerprint":     {"ro.build.fingerprint", "ro.system.build.fingerprint", "ro.vendor.build.fingerprint"},
	"build_date":      {"ro.build.date", "ro.system.build.date"},
	"sdk_version":     {"ro.build.version.sdk", "ro.system.build.version.sdk"},
	"baseband":        {"ro.baseband", "gsm.version.baseband"},
}

func firstValid(props *buildprop.Properties, keys []string) string {
	for _, k := range keys {
		v, ok := props.Get(k)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" || blacklist[strings.ToLower(v)] {
			continue
		}
		return v
	}
	return ""
}

var securityPatchRe = regexp.MustCompile(`(\d{6})\.\d{3}`)

// fallbackAndroidVersion parses the third '/'-delimited segment of a
// fingerprint for the substring after ':'. A fingerprint has the shape
// brand/product/device:version/id/incremental:type/tags.
func fallbackAndroidVersion(fingerprint string) string {
	parts := strings.Split(fingerprint, "/")
	if len(parts) < 3 {
		return ""
	}
	seg := parts[2]
	idx := strings.IndexByte(seg, ':')
	if idx < 0 || idx+1 >= len(seg) {
		return ""
	}
	return seg[idx+1:]
}

// fallbackSecurityPatch regex-matches (\d{6})\.\d{3} in fingerprint and
// interprets it as 20YY-MM-DD.
func fallbackSecurityPatch(fingerprint string) string {
	m := securityPatchRe.FindStringSubmatch(fingerprint)
	if m == nil {
		return ""
	}
	digits := m[1]
	yy, mm, dd := digits[0:2], digits[2:4], digits[4:6]
	return "20" + yy + "-" + mm + "-" + dd
}

// vendorExtraKeys are copied verbatim into Info.VendorExtras when
// present, keyed by their own property name.
var vendorExtraKeys = []string{
	"ro.build.type", "ro.build.tags", "ro.product.manufacturer",
	"persist.sys.oplus.region", "ro.vendor.build.security_patch",
}

// Extract projects props onto the fixed Info schema.
func Extract(props *buildprop.Properties) Info {
	var info Info
	info.Brand = firstValid(props, candidateKeys["brand"])
	info.Model = firstValid(props, candidateKeys["model"])
	info.MarketName = firstValid(props, candidateKeys["market_name"])
	info.Device = firstValid(props, candidateKeys["device"])
	info.AndroidVersion = firstValid(props, candidateKeys["android_version"])
	info.SecurityPatch = firstValid(props, candidateKeys["security_patch"])
	info.OTAVersion = firstValid(props, candidateKeys["ota_version"])
	info.Fingerprint = firstValid(props, candidateKeys["fingerprint"])
	info.BuildDate = firstValid(props, candidateKeys["build_date"])
	info.SDKVersion = firstValid(props, candidateKeys["sdk_version"])
	info.Baseband = firstValid(props, candidateKeys["baseband"])

	if info.AndroidVersion == "" && info.Fingerprint != "" {
		info.AndroidVersion = fallbackAndroidVersion(info.Fingerprint)
	}
	if info.SecurityPatch == "" && info.Fingerprint != "" {
		info.SecurityPatch = fallbackSecurityPatch(info.Fingerprint)
	}

	info.VendorExtras = map[string]string{}
	for _, k := range vendorExtraKeys {
		if v, ok := props.Get(k); ok && v != "" {
			info.VendorExtras[k] = v
		}
	}
	return info
}
