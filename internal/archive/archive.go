// Package archive 把已完成的 (instrument, granularity) K 线导出为 CSV 并上传到 S3 兼容存储。
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"backfill/internal/config"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/store"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore 是导出所需的 minio 子集，便于测试替换。
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Exporter struct {
	objects objectStore
	bucket  string
	prefix  string
	candles store.CandleStore
	ranking market.Ranking
}

// New 根据配置创建 minio 客户端；archive 未启用时返回 nil, nil。
func New(cfg config.ArchiveConfig, candles store.CandleStore, ranking market.Ranking) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return newExporter(client, cfg.Bucket, cfg.Prefix, candles, ranking)
}

func newExporter(objects objectStore, bucket, prefix string, candles store.CandleStore, ranking market.Ranking) (*Exporter, error) {
	if objects == nil || candles == nil {
		return nil, errors.New("archive: object store and candle store are required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	return &Exporter{
		objects: objects,
		bucket:  bucket,
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		candles: candles,
		ranking: ranking,
	}, nil
}

// EnsureBucket 在桶不存在时创建。
func (e *Exporter) EnsureBucket(ctx context.Context) error {
	ok, err := e.objects.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", e.bucket, err)
	}
	if ok {
		return nil
	}
	if err := e.objects.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", e.bucket, err)
	}
	logger.Infof("[archive] bucket %s created", e.bucket)
	return nil
}

// ObjectName 返回 <prefix>/<instrument>/<granularity>.csv，instrument 中的 "/" 替换为 "-"。
func (e *Exporter) ObjectName(instrument string, g market.Granularity) string {
	name := strings.ReplaceAll(strings.TrimSpace(instrument), "/", "-")
	return path.Join(e.prefix, name, string(g)+".csv")
}

// Export 导出该序列每个时间点优先级最高的数据源，返回对象名与行数。
func (e *Exporter) Export(ctx context.Context, instrument string, g market.Granularity) (string, int, error) {
	points, err := e.candles.Best(ctx, instrument, g, 0, math.MaxInt64, e.ranking)
	if err != nil {
		return "", 0, fmt.Errorf("load candles: %w", err)
	}
	body, err := encodeCSV(points)
	if err != nil {
		return "", 0, err
	}
	object := e.ObjectName(instrument, g)
	_, err = e.objects.PutObject(ctx, e.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", 0, fmt.Errorf("put %s/%s: %w", e.bucket, object, err)
	}
	logger.Infof("[archive] %s %s -> %s/%s (%d rows)", instrument, g, e.bucket, object, len(points))
	return object, len(points), nil
}

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume", "source"}

func encodeCSV(points []market.Point) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, p := range points {
		row := []string{
			strconv.FormatInt(p.Timestamp, 10),
			formatFloat(p.Open),
			formatFloat(p.High),
			formatFloat(p.Low),
			formatFloat(p.Close),
			formatFloat(p.Volume),
			p.Source,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
