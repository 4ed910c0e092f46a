package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/uploadman/internal/model"
)

// AnalyzerClient は外部動画解析サービスのHTTPアダプタ。
// SSRFガードで構築されたHTTPクライアントを使用する。
type AnalyzerClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewAnalyzerClient はAnalyzerClient の新しいインスタンスを生成する。
func NewAnalyzerClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *AnalyzerClient {
	return &AnalyzerClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
	}
}

// analyzeRequest は解析リクエストのJSONボディ。
type analyzeRequest struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileHash string `json:"file_hash"`
}

// analyzeResponse は解析サービスのレスポンスボディ。
type analyzeResponse struct {
	Category    string   `json:"category"`
	ContentType string   `json:"content_type"`
	Keywords    []string `json:"keywords"`
	Products    []string `json:"products"`
	Confidence  float64  `json:"confidence"`
}

// Analyze は動画ファイルの解析を外部サービスに依頼する。
// 接続エラーと408/429/5xxはmodel.ErrTransient、その他の4xxは
// model.ErrPermanentでラップして返す。
func (c *AnalyzerClient) Analyze(ctx context.Context, filePath, fileName, fileHash string) (*model.AnalysisResult, error) {
	body, err := json.Marshal(analyzeRequest{
		FilePath: filePath,
		FileName: fileName,
		FileHash: fileHash,
	})
	if err != nil {
		return nil, fmt.Errorf("解析リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Uploadman/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("解析サービスの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("file_name", fileName),
		)
		// 接続エラーは再試行可能として扱う
		return nil, fmt.Errorf("解析サービスへの接続に失敗しました: %w: %w", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case CallResultTransient:
		c.logger.Warn("解析サービスが一時的エラーを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("file_name", fileName),
		)
		return nil, fmt.Errorf("%w: 解析サービスがステータス %d を返しました", model.ErrTransient, resp.StatusCode)
	case CallResultPermanent:
		c.logger.Error("解析サービスが恒久的エラーを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("file_name", fileName),
		)
		return nil, fmt.Errorf("%w: 解析サービスがステータス %d を返しました", model.ErrPermanent, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: レスポンスボディの読み取りに失敗しました: %w", model.ErrTransient, err)
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		// 不正なレスポンスは再試行しても回復しない
		return nil, fmt.Errorf("%w: 解析レスポンスのパースに失敗しました: %w", model.ErrPermanent, err)
	}

	return &model.AnalysisResult{
		Category:    decoded.Category,
		ContentType: decoded.ContentType,
		Keywords:    decoded.Keywords,
		Products:    decoded.Products,
		Confidence:  decoded.Confidence,
	}, nil
}

var _ Analyzer = (*AnalyzerClient)(nil)
