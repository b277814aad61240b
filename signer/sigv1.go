package signer

import (
	"net/url"
	"sort"
	"strings"
)

// SignV1 阿里云风格的 Signature V1
// 待签字符串 = "POST" + "&" + percentEncode("/") + "&" + percentEncode(sortedQuery)
// 签名 = base64(HMAC-SHA1(secret+"&", stringToSign))
func SignV1(params url.Values, secretKey string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(params.Get(k)))
	}
	sortedQuery := strings.Join(parts, "&")

	stringToSign := "POST" + "&" + percentEncode("/") + "&" + percentEncode(sortedQuery)

	return HMACSHA1Base64(secretKey+"&", stringToSign)
}
