package signer

import (
	"net/url"
	"testing"
	"time"
)

func TestHMACSHA256Hex(t *testing.T) {
	// RFC 4231 测试向量 Test Case 2
	sig := HMACSHA256Hex("Jefe", "what do ya want for nothing?")
	expected := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if sig != expected {
		t.Errorf("HMAC-SHA256 hex 错误: 期望 %s, 得到 %s", expected, sig)
	}

	// 十六进制应为小写，长度固定 64
	if len(sig) != 64 {
		t.Errorf("签名长度错误: 期望 64, 得到 %d", len(sig))
	}
}

func TestHMACSHA256Base64(t *testing.T) {
	sig := HMACSHA256Base64("secret", "message")
	if sig == "" {
		t.Fatal("签名不能为空")
	}

	// 相同输入产生相同签名
	if sig != HMACSHA256Base64("secret", "message") {
		t.Error("相同输入应该产生相同签名")
	}

	// 不同密钥产生不同签名
	if sig == HMACSHA256Base64("secret2", "message") {
		t.Error("不同密钥应该产生不同签名")
	}
}

func TestHMACSHA1Base64(t *testing.T) {
	sig := HMACSHA1Base64("testsecret&", "POST&%2F&AccessKeyId%3Dtestid")
	if sig == "" {
		t.Fatal("签名不能为空")
	}
	if sig != HMACSHA1Base64("testsecret&", "POST&%2F&AccessKeyId%3Dtestid") {
		t.Error("相同输入应该产生相同签名")
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("abc", "abc") {
		t.Error("相同字符串应该比较相等")
	}
	if SecureCompare("abc", "abd") {
		t.Error("不同字符串不应该比较相等")
	}
	if SecureCompare("abc", "abcd") {
		t.Error("不同长度不应该比较相等")
	}
}

func TestSignV4(t *testing.T) {
	// AWS 官方测试套件 get-vanilla 向量
	now := time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)

	req := &V4Request{
		Method: "GET",
		URI:    "/",
		Headers: map[string]string{
			"host":       "example.amazonaws.com",
			"x-amz-date": "20150830T123600Z",
		},
		Region:  "us-east-1",
		Service: "service",
	}

	auth, err := SignV4(req, "AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", now)
	if err != nil {
		t.Fatalf("SignV4 失败: %v", err)
	}

	expected := "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20150830/us-east-1/service/aws4_request, " +
		"SignedHeaders=host;x-amz-date, " +
		"Signature=5fa00fa31553b73ebf1942676e86291e8372ff2a2260956d9b8aae1d763fbf31"
	if auth != expected {
		t.Errorf("SignV4 结果错误:\n期望 %s\n得到 %s", expected, auth)
	}
}

func TestSignV4WithQuery(t *testing.T) {
	now := time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)

	makeReq := func(q url.Values) *V4Request {
		return &V4Request{
			Method: "GET",
			URI:    "/",
			Query:  q,
			Headers: map[string]string{
				"host":       "example.amazonaws.com",
				"x-amz-date": "20150830T123600Z",
			},
			Region:  "us-east-1",
			Service: "service",
		}
	}

	q1 := url.Values{}
	q1.Set("Param2", "value2")
	q1.Set("Param1", "value1")

	q2 := url.Values{}
	q2.Set("Param1", "value1")
	q2.Set("Param2", "value2")

	auth1, err := SignV4(makeReq(q1), "AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", now)
	if err != nil {
		t.Fatalf("SignV4 失败: %v", err)
	}
	auth2, err := SignV4(makeReq(q2), "AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", now)
	if err != nil {
		t.Fatalf("SignV4 失败: %v", err)
	}

	// 查询参数在规范化时排序，插入顺序不应影响签名
	if auth1 != auth2 {
		t.Errorf("查询参数顺序不应该影响签名:\n%s\n%s", auth1, auth2)
	}

	// 带查询参数的签名必须不同于无参数的签名
	auth3, _ := SignV4(makeReq(nil), "AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", now)
	if auth1 == auth3 {
		t.Error("查询参数必须参与签名")
	}
}

func TestSignV1(t *testing.T) {
	params := url.Values{}
	params.Set("Action", "DescribeInstances")
	params.Set("AccessKeyId", "testid")
	params.Set("SignatureMethod", "HMAC-SHA1")

	sig := SignV1(params, "testsecret")
	if sig == "" {
		t.Fatal("签名不能为空")
	}

	// 参数顺序不影响签名（内部排序）
	params2 := url.Values{}
	params2.Set("SignatureMethod", "HMAC-SHA1")
	params2.Set("AccessKeyId", "testid")
	params2.Set("Action", "DescribeInstances")
	if sig != SignV1(params2, "testsecret") {
		t.Error("参数顺序不应该影响签名结果")
	}
}
