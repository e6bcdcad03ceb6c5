package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapwall/internal/config"
)

const listPage = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>wallpapers</Name><Prefix>temp/</Prefix><KeyCount>1</KeyCount><MaxKeys>1000</MaxKeys>
<IsTruncated>%t</IsTruncated><NextContinuationToken>%s</NextContinuationToken>
<Contents><Key>%s</Key><LastModified>2024-05-01T12:00:00.000Z</LastModified><ETag>"e"</ETag><Size>3</Size><StorageClass>STANDARD</StorageClass></Contents>
</ListBucketResult>`

const accessDenied = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Access Denied.</Message><Key>temp/a.png</Key><BucketName>wallpapers</BucketName><RequestId>1</RequestId></Error>`

// fakeBucket serves a two page listing and refuses every delete. The
// second page only answers once the caller gives up on it.
type fakeBucket struct {
	hung atomic.Int32
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodDelete:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(accessDenied))
	case r.URL.Query().Get("list-type") == "2" && r.URL.Query().Get("continuation-token") == "":
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, listPage, true, "page-2", "temp/a.png")
	case r.URL.Query().Get("list-type") == "2":
		select {
		case <-r.Context().Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		f.hung.Add(1)
		defer f.hung.Add(-1)
		<-r.Context().Done()
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestDeletePrefixStopsListingOnEarlyReturn(t *testing.T) {
	bucket := &fakeBucket{}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	store, err := NewObjectStore(config.StorageConfig{
		Endpoint:  srv.URL,
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "wallpapers",
		Region:    "us-east-1",
	}, zerolog.Nop())
	require.NoError(t, err)

	n, err := store.DeletePrefix(context.Background(), TempPrefix, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temp/a.png")
	assert.Zero(t, n)

	// A listing left running would still hold the second page open.
	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, bucket.hung.Load())
}
