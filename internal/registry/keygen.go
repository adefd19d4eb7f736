package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultflow/pkg/models"
)

// HTTPKeyGenerator 调用外部密钥服务生成密钥对
type HTTPKeyGenerator struct {
	url    string
	client *http.Client
}

type keyResponse struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// NewHTTPKeyGenerator 创建密钥生成器
func NewHTTPKeyGenerator(url string, timeout time.Duration) *HTTPKeyGenerator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPKeyGenerator{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Generate 实现 KeyGenerator
func (g *HTTPKeyGenerator) Generate(ctx context.Context) (models.VaultKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, nil)
	if err != nil {
		return models.VaultKey{}, fmt.Errorf("创建密钥请求失败: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := g.client.Do(req)
	if err != nil {
		return models.VaultKey{}, fmt.Errorf("请求密钥服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.VaultKey{}, fmt.Errorf("密钥服务返回状态码 %d", resp.StatusCode)
	}

	var kr keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return models.VaultKey{}, fmt.Errorf("解析密钥响应失败: %w", err)
	}
	if kr.PrivateKey == "" || kr.PublicKey == "" {
		return models.VaultKey{}, fmt.Errorf("密钥响应缺少字段")
	}
	return models.VaultKey{PrivateKey: kr.PrivateKey, Address: kr.PublicKey}, nil
}
