// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

import (
	"encoding/json"
	"net/url"
	"strconv"

	"grimm.is/spyglass/internal/capture"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/events"
)

// decoderFunc parses one tracker beacon format.
type decoderFunc func(params url.Values, body []byte) (*events.Payload, error)

// decoders maps a KB entity's protocol id to its decoder.
var decoders = map[string]decoderFunc{
	"fb_pixel":     decodeFacebookPixel,
	"ga4":          decodeGA4,
	"tiktok_pixel": decodeTikTokPixel,
	"onetag":       decodeAmazonOneTag,
	"doubleclick":  decodeDoubleClick,
}

// Decode parses req's payload using the decoder for protocol. An
// unknown protocol id is not an error, just no payload.
func Decode(protocol string, req capture.RawRequest) (*events.Payload, error) {
	dec, ok := decoders[protocol]
	if !ok {
		return nil, nil
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing beacon URL")
	}
	params := u.Query()

	// Form-encoded POST bodies carry the same parameter space as the
	// query string.
	body := req.Body
	if req.ContentType == "application/x-www-form-urlencoded" && len(body) > 0 {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, vs := range form {
				for _, v := range vs {
					params.Add(k, v)
				}
			}
			body = nil
		}
	}

	return dec(params, body)
}

// decodeFacebookPixel handles Meta Pixel beacons: id, ev, dl, and the
// advanced-matching ud[*] fields. Hashed personal fields are flagged,
// never stored.
func decodeFacebookPixel(params url.Values, body []byte) (*events.Payload, error) {
	p := &events.Payload{
		PixelID:     params.Get("id"),
		EventType:   params.Get("ev"),
		PageURL:     params.Get("dl"),
		HashedEmail: params.Get("ud[em]") != "",
		HashedPhone: params.Get("ud[ph]") != "",
	}
	if v := params.Get("cd[value]"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Value = f
			p.Currency = params.Get("cd[currency]")
		}
	}
	if p.PixelID == "" && p.EventType == "" {
		return nil, errors.New(errors.KindValidation, "no pixel fields present")
	}
	return p, nil
}

// decodeGA4 handles Google Analytics 4 collect hits: cid, en, dl, dt.
func decodeGA4(params url.Values, body []byte) (*events.Payload, error) {
	p := &events.Payload{
		ClientID:  params.Get("cid"),
		EventType: params.Get("en"),
		PageURL:   params.Get("dl"),
		PageTitle: params.Get("dt"),
	}
	if v := params.Get("epn.value"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Value = f
			p.Currency = params.Get("cu")
		}
	}
	if p.ClientID == "" && p.EventType == "" {
		return nil, errors.New(errors.KindValidation, "no GA4 fields present")
	}
	return p, nil
}

// tiktokBatch is the JSON body of a TikTok Pixel track call.
type tiktokBatch struct {
	Event      string `json:"event"`
	Properties struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"properties"`
	Events []struct {
		Event string `json:"event"`
	} `json:"events"`
}

// decodeTikTokPixel handles TikTok Pixel JSON bodies, either a single
// event or a batch.
func decodeTikTokPixel(params url.Values, body []byte) (*events.Payload, error) {
	if len(body) == 0 {
		return nil, errors.New(errors.KindValidation, "empty TikTok body")
	}
	var batch tiktokBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing TikTok body")
	}

	p := &events.Payload{
		EventType: batch.Event,
		Value:     batch.Properties.Value,
		Currency:  batch.Properties.Currency,
	}
	if p.EventType == "" && len(batch.Events) > 0 {
		p.EventType = batch.Events[0].Event
	}
	if p.EventType == "" {
		return nil, errors.New(errors.KindValidation, "no TikTok event present")
	}
	return p, nil
}

// decodeAmazonOneTag handles Amazon OneTag pings: id is the
// advertiser identifier.
func decodeAmazonOneTag(params url.Values, body []byte) (*events.Payload, error) {
	p := &events.Payload{PixelID: params.Get("id")}
	if p.PixelID == "" {
		return nil, errors.New(errors.KindValidation, "no OneTag id present")
	}
	return p, nil
}

// decodeDoubleClick handles DoubleClick / Google Ads conversion
// pings: id and label.
func decodeDoubleClick(params url.Values, body []byte) (*events.Payload, error) {
	p := &events.Payload{
		PixelID:         params.Get("id"),
		ConversionLabel: params.Get("label"),
	}
	if p.PixelID == "" && p.ConversionLabel == "" {
		return nil, errors.New(errors.KindValidation, "no DoubleClick fields present")
	}
	return p, nil
}
