package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"Teknia-Ledger/sdk/go/tekledger"
)

// 本示例用内置的假服务端演示 SDK 的调用方式，替换 baseURL 即可指向真实服务。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tekledger.TokenPair{AccessToken: "demo-token", TokenType: "Bearer"})
	})
	mux.HandleFunc("/api/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tekledger.Quote{Op: "transfer", AmountDeg: 25920, FeeDeg: 81, TotalDeg: 26001})
	})
	mux.HandleFunc("/api/v1/transfer", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tekledger.Transaction{Seq: 2, Type: "transfer", From: "alice", To: "bob", AmountDeg: 25920, FeeDeg: 81})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := tekledger.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	if _, err := client.Authenticate(ctx, tekledger.Credentials{Username: "operator", Password: "demo"}); err != nil {
		panic(err)
	}

	quote, err := client.QuoteFee(ctx, "transfer", 25920)
	if err != nil {
		panic(err)
	}
	fmt.Printf("转账 %d deg 预估手续费 %d deg，合计 %d deg\n", quote.AmountDeg, quote.FeeDeg, quote.TotalDeg)

	tx, err := client.Transfer(ctx, "alice", "bob", 25920)
	if err != nil {
		panic(err)
	}
	fmt.Printf("交易 #%d 已提交：%s -> %s，扣费 %d deg\n", tx.Seq, tx.From, tx.To, tx.FeeDeg)
}
