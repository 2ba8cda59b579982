package classifier

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/providers/mock"
)

func TestKeywordCheck(t *testing.T) {
	k := NewKeyword([]string{"otp", "urgent", "transfer money"})
	cases := []struct {
		name string
		text string
		want []string
	}{
		{name: "none", text: "hello, how are you", want: []string{}},
		{name: "single", text: "please share your otp now", want: []string{"otp"}},
		{name: "case insensitive", text: "Your OTP is needed", want: []string{"otp"}},
		{name: "all matches", text: "URGENT: read me the otp", want: []string{"otp", "urgent"}},
		{name: "phrase", text: "you must Transfer Money today", want: []string{"transfer money"}},
		{name: "substring of a word", text: "the hotpot was great", want: []string{"otp"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := k.Check(context.Background(), tc.text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestKeywordOrderIndependent(t *testing.T) {
	a := NewKeyword([]string{"pin", "otp", "urgent"})
	b := NewKeyword([]string{"URGENT", "otp", "pin", "otp"})
	text := "urgent, tell me your pin and otp"
	ga, _ := a.Check(context.Background(), text)
	gb, _ := b.Check(context.Background(), text)
	if !reflect.DeepEqual(ga, gb) || len(ga) != 3 {
		t.Fatalf("expected identical three-element sets, got %v and %v", ga, gb)
	}
}

func TestKeywordDefaults(t *testing.T) {
	k := NewKeyword(nil)
	if len(k.Keywords()) != len(DefaultKeywords) {
		t.Fatalf("expected default list, got %d keywords", len(k.Keywords()))
	}
	got := k.Match("aapka ek baar ka password bataiye")
	want := []string{"ek baar ka password", "password"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLLMCheck(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  []string
	}{
		{name: "fraud with indicators", reply: `{"fraud":true,"confidence":0.93,"indicators":["Share OTP","share otp"]}`, want: []string{"share otp"}},
		{name: "fraud without indicators", reply: "```json\n{\"fraud\":true,\"confidence\":0.9}\n```", want: []string{IndicatorLLMFraud}},
		{name: "low confidence", reply: `{"fraud":true,"confidence":0.7}`, want: nil},
		{name: "not fraud", reply: `{"fraud":false,"confidence":0.99}`, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: tc.reply})
			c := NewLLM(adapter, LLMConfig{})
			got, err := c.Check(context.Background(), "please share the otp")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			calls := adapter.Calls()
			if len(calls) != 1 || !calls[0].JSONMode || len(calls[0].Messages) != 2 {
				t.Fatalf("unexpected llm request %+v", calls)
			}
		})
	}
}

func TestLLMCheckErrors(t *testing.T) {
	bad := NewLLM(mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "I think so"}), LLMConfig{})
	if _, err := bad.Check(context.Background(), "otp"); !errorsx.HasReason(err, errorsx.ReasonClassifier) {
		t.Fatalf("expected classifier reason for unparsable reply, got %v", err)
	}
	failing := NewLLM(mock.NewLLMAdapter(mock.LLMConfig{Err: errors.New("down")}), LLMConfig{})
	if _, err := failing.Check(context.Background(), "otp"); err == nil {
		t.Fatalf("expected adapter error")
	}
	if got, err := failing.Check(context.Background(), "   "); err != nil || got != nil {
		t.Fatalf("expected empty text to skip the model, got %v %v", got, err)
	}
}

func TestHybrid(t *testing.T) {
	kw := NewKeyword([]string{"otp"})
	llmHit := Func(func(context.Context, string) ([]string, error) { return []string{"urgent"}, nil })
	broken := Func(func(context.Context, string) ([]string, error) { return nil, errors.New("down") })

	got, err := NewHybrid(kw, llmHit, broken).Check(context.Background(), "otp please")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"otp", "urgent"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if _, err := NewHybrid(broken, broken).Check(context.Background(), "otp"); err == nil {
		t.Fatalf("expected error when every member fails")
	}
}
