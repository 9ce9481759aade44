// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

import (
	"testing"

	"grimm.is/spyglass/internal/capture"
)

func TestDecodeFacebookPixel(t *testing.T) {
	p, err := Decode("fb_pixel", capture.RawRequest{
		URL: "https://www.facebook.com/tr?id=1234567890&ev=Purchase&dl=https%3A%2F%2Fshop.example.com%2Fcheckout&ud[em]=a1b2c3&cd[value]=49.99&cd[currency]=USD",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.PixelID != "1234567890" {
		t.Errorf("PixelID = %q", p.PixelID)
	}
	if p.EventType != "Purchase" {
		t.Errorf("EventType = %q", p.EventType)
	}
	if p.PageURL != "https://shop.example.com/checkout" {
		t.Errorf("PageURL = %q", p.PageURL)
	}
	if !p.HashedEmail {
		t.Error("ud[em] presence should set HashedEmail")
	}
	if p.HashedPhone {
		t.Error("HashedPhone should be unset")
	}
	if p.Value != 49.99 || p.Currency != "USD" {
		t.Errorf("Value = %v %s", p.Value, p.Currency)
	}
}

func TestDecodeFacebookPixelFormBody(t *testing.T) {
	p, err := Decode("fb_pixel", capture.RawRequest{
		URL:         "https://www.facebook.com/tr",
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte("id=987&ev=PageView&ud[ph]=deadbeef"),
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.PixelID != "987" || p.EventType != "PageView" {
		t.Errorf("payload = %+v", p)
	}
	if !p.HashedPhone {
		t.Error("ud[ph] presence should set HashedPhone")
	}
}

func TestDecodeGA4(t *testing.T) {
	p, err := Decode("ga4", capture.RawRequest{
		URL: "https://www.google-analytics.com/g/collect?v=2&cid=555.123&en=page_view&dl=https%3A%2F%2Fnews.example.com%2F&dt=Front+Page",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.ClientID != "555.123" {
		t.Errorf("ClientID = %q", p.ClientID)
	}
	if p.EventType != "page_view" {
		t.Errorf("EventType = %q", p.EventType)
	}
	if p.PageTitle != "Front Page" {
		t.Errorf("PageTitle = %q", p.PageTitle)
	}
}

func TestDecodeTikTokPixel(t *testing.T) {
	p, err := Decode("tiktok_pixel", capture.RawRequest{
		URL:  "https://analytics.tiktok.com/api/v2/pixel",
		Body: []byte(`{"event":"CompletePayment","properties":{"value":12.5,"currency":"EUR"}}`),
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.EventType != "CompletePayment" {
		t.Errorf("EventType = %q", p.EventType)
	}
	if p.Value != 12.5 || p.Currency != "EUR" {
		t.Errorf("Value = %v %s", p.Value, p.Currency)
	}
}

func TestDecodeTikTokBatch(t *testing.T) {
	p, err := Decode("tiktok_pixel", capture.RawRequest{
		URL:  "https://analytics.tiktok.com/api/v2/pixel/track",
		Body: []byte(`{"events":[{"event":"ViewContent"},{"event":"AddToCart"}]}`),
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.EventType != "ViewContent" {
		t.Errorf("EventType = %q, want first batch event", p.EventType)
	}
}

func TestDecodeDoubleClick(t *testing.T) {
	p, err := Decode("doubleclick", capture.RawRequest{
		URL: "https://doubleclick.net/pagead/conversion?id=AW-123&label=xyzzy",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.PixelID != "AW-123" || p.ConversionLabel != "xyzzy" {
		t.Errorf("payload = %+v", p)
	}
}

func TestDecodeAmazonOneTag(t *testing.T) {
	p, err := Decode("onetag", capture.RawRequest{
		URL: "https://s.amazon-adsystem.com/x/px?id=amzn1.as.12345",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.PixelID != "amzn1.as.12345" {
		t.Errorf("PixelID = %q", p.PixelID)
	}
}

func TestDecodeUnknownProtocol(t *testing.T) {
	p, err := Decode("mystery", capture.RawRequest{URL: "https://x.test/"})
	if err != nil || p != nil {
		t.Errorf("unknown protocol should be a silent no-op, got %v %v", p, err)
	}
}

func TestDecodeMissingFields(t *testing.T) {
	if _, err := Decode("fb_pixel", capture.RawRequest{URL: "https://www.facebook.com/tr"}); err == nil {
		t.Error("beacon without pixel fields should error")
	}
	if _, err := Decode("tiktok_pixel", capture.RawRequest{URL: "https://analytics.tiktok.com/x"}); err == nil {
		t.Error("empty TikTok body should error")
	}
}
