package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadToken = errors.New("bad token")
	ErrBadSig   = errors.New("invalid signature")
	ErrExpired  = errors.New("expired")
)

// URLSigner issues and checks capability URLs for object keys.
type URLSigner struct {
	Secret  []byte
	BaseURL string
}

func (s URLSigner) mac(key string, exp int64) []byte {
	m := hmac.New(sha256.New, s.Secret)
	m.Write([]byte(key + "|" + strconv.FormatInt(exp, 10)))
	return m.Sum(nil)
}

// URL returns BaseURL/objects/<key>?expires=<unix>&sig=<b64> valid until exp.
func (s URLSigner) URL(key string, exp time.Time) (string, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", err
	}
	ts := exp.Unix()
	u.Path = strings.TrimSuffix(u.Path, "/") + "/objects/" + key
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(ts, 10))
	q.Set("sig", base64.RawURLEncoding.EncodeToString(s.mac(key, ts)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks the expires and sig query values for key at now.
func (s URLSigner) Verify(key, expires, sig string, now time.Time) error {
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || sig == "" {
		return ErrBadToken
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return ErrBadToken
	}
	if !hmac.Equal(got, s.mac(key, ts)) {
		return ErrBadSig
	}
	if !now.Before(time.Unix(ts, 0)) {
		return ErrExpired
	}
	return nil
}
