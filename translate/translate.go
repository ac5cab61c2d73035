package translate

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awstranslate "github.com/aws/aws-sdk-go-v2/service/translate"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nijaru/scribe/config"
	apperrors "github.com/nijaru/scribe/errors"
)

type Result struct {
	TargetText string `json:"target_text"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	UsedAmount int    `json:"used_amount"`
}

type Translator interface {
	Translate(ctx context.Context, text string) (*Result, error)
}

// API is the subset of the Amazon Translate client in use.
type API interface {
	TranslateText(ctx context.Context, in *awstranslate.TranslateTextInput, optFns ...func(*awstranslate.Options)) (*awstranslate.TranslateTextOutput, error)
}

type Client struct {
	api         API
	source      string
	target      string
	terminology []string
	limiter     *rate.Limiter
}

func New(ctx context.Context, cfg config.TranslateConfig) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load SDK config")
	}
	return NewWithAPI(awstranslate.NewFromConfig(awsCfg), cfg), nil
}

func NewWithAPI(api API, cfg config.TranslateConfig) *Client {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 && cfg.RateLimitInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateLimitInterval/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	}
	return &Client{
		api:         api,
		source:      cfg.SourceLang,
		target:      cfg.TargetLang,
		terminology: cfg.Terminology,
		limiter:     limiter,
	}
}

// Translate sends text to the service. Blank text is rejected without a
// request. Terminology names keep listed terms untranslated.
func (c *Client) Translate(ctx context.Context, text string) (*Result, error) {
	const op = "translate.Translate"

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.Invalid(op, nil, "text is empty")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Unavailable(op, err, "rate limit wait cancelled")
		}
	}

	in := &awstranslate.TranslateTextInput{
		Text:               aws.String(text),
		SourceLanguageCode: aws.String(c.source),
		TargetLanguageCode: aws.String(c.target),
	}
	if len(c.terminology) > 0 {
		in.TerminologyNames = c.terminology
	}

	out, err := c.api.TranslateText(ctx, in)
	if err != nil {
		logrus.WithError(err).WithField("chars", utf8.RuneCountInString(text)).Error("Translation request failed")
		return nil, apperrors.Unavailable(op, err, "translation request failed")
	}

	return &Result{
		TargetText: aws.ToString(out.TranslatedText),
		Source:     aws.ToString(out.SourceLanguageCode),
		Target:     aws.ToString(out.TargetLanguageCode),
		UsedAmount: utf8.RuneCountInString(text),
	}, nil
}
