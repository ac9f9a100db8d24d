package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm 消息负载的压缩算法
type Algorithm uint8

const (
	None Algorithm = 1 // 不压缩，负载原样存储（由生产者自行压缩）
	Gzip Algorithm = 2
	Zstd Algorithm = 3
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "invalid"
	}
}

// ParseAlgorithm 解析算法名称，大小写不敏感
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "producer":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("未知的压缩算法: %s", s)
	}
}

func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	alg, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = alg
	return nil
}

// Codec 对消息负载进行编码和解码
type Codec interface {
	Algorithm() Algorithm
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// For 返回指定算法的编解码器
func For(alg Algorithm) (Codec, error) {
	switch alg {
	case None:
		return noneCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	case Zstd:
		return getZstdCodec()
	default:
		return nil, fmt.Errorf("不支持的压缩算法: %d", alg)
	}
}

type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm { return None }

func (noneCodec) Encode(src []byte) ([]byte, error) { return src, nil }

func (noneCodec) Decode(src []byte) ([]byte, error) { return src, nil }

type gzipCodec struct{}

func (gzipCodec) Algorithm() Algorithm { return Gzip }

func (gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("gzip 压缩失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip 压缩失败: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip 解压失败: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip 解压失败: %w", err)
	}
	return data, nil
}

// zstd 编解码器可以并发使用，全局共享一个实例
type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var (
	zstdOnce   sync.Once
	zstdShared *zstdCodec
	zstdErr    error
)

func getZstdCodec() (Codec, error) {
	zstdOnce.Do(func() {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			zstdErr = fmt.Errorf("创建 zstd 编码器失败: %w", err)
			return
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			zstdErr = fmt.Errorf("创建 zstd 解码器失败: %w", err)
			return
		}
		zstdShared = &zstdCodec{encoder: encoder, decoder: decoder}
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdShared, nil
}

func (c *zstdCodec) Algorithm() Algorithm { return Zstd }

func (c *zstdCodec) Encode(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decode(src []byte) ([]byte, error) {
	data, err := c.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd 解压失败: %w", err)
	}
	return data, nil
}
