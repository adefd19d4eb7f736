package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 代理目标路径
const (
	proofLatestPath  = "/api/proofs/latest"
	proveAndSendPath = "/api/work/prove-and-send"
)

// proxy 将价格证明与中继请求转发到后端服务，隐藏服务地址
type proxy struct {
	proofURL  string
	workerURL string
	client    *http.Client
	logger    *logrus.Logger
}

func newProxy(proofURL, workerURL string, timeout time.Duration, logger *logrus.Logger) *proxy {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &proxy{
		proofURL:  strings.TrimRight(proofURL, "/"),
		workerURL: strings.TrimRight(workerURL, "/"),
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// priceProof GET /api/mina-price-proof
func (p *proxy) priceProof(c *gin.Context) {
	data, err := p.forward(c, http.MethodGet, p.proofURL+proofLatestPath, nil)
	if err != nil {
		p.logger.WithError(err).Error("获取最新价格证明失败")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// cloudWorker POST /api/cloud-worker
func (p *proxy) cloudWorker(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err == nil && !json.Valid(body) {
		err = fmt.Errorf("请求体不是有效的JSON")
	}
	if err == nil {
		body, err = p.forward(c, http.MethodPost, p.workerURL+proveAndSendPath, body)
	}
	if err != nil {
		p.logger.WithError(err).Error("中继代理请求失败")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (p *proxy) forward(c *gin.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service responded with status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("service returned invalid JSON")
	}
	return data, nil
}
