package linode

import (
	"crypto/rand"
	"encoding/base64"
)

// randomRootPass 生成一次性 root 密码，仅满足创建接口的必填要求
func randomRootPass() string {
	b := make([]byte, 24)
	rand.Read(b)
	return "Tp!" + base64.RawURLEncoding.EncodeToString(b)
}
