package digitization

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"
)

var wconfExpr = regexp.MustCompile(`x_wconf\s+(\d+(?:\.\d+)?)`)

// OCRResult summarizes one hOCR document.
type OCRResult struct {
	Pages int `json:"pages"`
	Words int `json:"words"`
	// Confidence is the mean word confidence scaled to [0,1].
	Confidence float64 `json:"confidence"`
}

// ParseHOCR reads hOCR markup as produced by tesseract and similar engines.
// Words without an x_wconf property are counted but do not affect the mean.
func ParseHOCR(r io.Reader) (OCRResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return OCRResult{}, fmt.Errorf("parse hocr: %w", err)
	}
	var res OCRResult
	res.Pages = doc.Find(".ocr_page").Length()
	if res.Pages == 0 {
		return OCRResult{}, fmt.Errorf("parse hocr: no ocr_page elements")
	}
	var sum float64
	scored := 0
	doc.Find(".ocrx_word").Each(func(_ int, s *goquery.Selection) {
		res.Words++
		title, _ := s.Attr("title")
		m := wconfExpr.FindStringSubmatch(title)
		if m == nil {
			return
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return
		}
		sum += v
		scored++
	})
	if scored > 0 {
		res.Confidence = sum / float64(scored) / 100
	}
	return res, nil
}
