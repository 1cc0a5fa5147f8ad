package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lalithlochan/kabar/internal/dispatch"
)

const receiptPrompt = `Analisis gambar bukti transfer ini dan kembalikan HANYA JSON dengan bentuk:
{"amount": <nominal transfer dalam angka tanpa titik/koma, contoh 150000>,
 "bank_account": "<bank atau e-wallet tujuan beserta nomor rekening jika terlihat>",
 "transfer_date": "<tanggal transfer format YYYY-MM-DD jika terlihat>",
 "confidence": <0 sampai 1, seberapa yakin nominal terbaca benar>}
Fokus pada nominal yang ditransfer, abaikan saldo dan biaya admin.
Jika gambar bukan bukti transfer atau tidak terbaca, kembalikan {"amount": 0, "confidence": 0}.`

type receiptResult struct {
	Amount       float64 `json:"amount"`
	BankAccount  string  `json:"bank_account"`
	TransferDate string  `json:"transfer_date"`
	Confidence   float64 `json:"confidence"`
}

// ExtractProof reads a transfer receipt with the vision model.
func (c *Client) ExtractProof(ctx context.Context, image []byte, mimeType string) (*dispatch.Extraction, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	zero := 0.0
	content, err := c.ChatCompletion(ctx, []ChatMessage{{
		Role: "user",
		Content: []ContentPart{
			{Type: "text", Text: receiptPrompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: dataURL, Detail: "high"}},
		},
	}}, completionOptions{maxTokens: 300, temperature: &zero, jsonOutput: true})
	if err != nil {
		return nil, err
	}

	var res receiptResult
	if err := json.Unmarshal([]byte(stripFence(content)), &res); err != nil {
		return nil, fmt.Errorf("receipt response is not JSON: %w", err)
	}

	confidence := res.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return &dispatch.Extraction{
		Fields: dispatch.ProofFields{
			Amount:       int64(res.Amount),
			BankAccount:  res.BankAccount,
			TransferDate: res.TransferDate,
		},
		Confidence: confidence,
	}, nil
}

// stripFence drops a ```json fence some models wrap around JSON output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
