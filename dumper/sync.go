package dumper

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/toolkits/pkg/time"
)

// SyncRecord is one pass of a config cache sync. Mills and Count are -1 when nothing was loaded.
type SyncRecord struct {
	Timestamp int64  `json:"timestamp"`
	Mills     int64  `json:"mills"`
	Count     int    `json:"count"`
	Message   string `json:"message"`
}

func (sr *SyncRecord) String() string {
	return fmt.Sprintf("timestamp: %s, mills: %dms, count: %d, message: %s",
		time.Format(sr.Timestamp), sr.Mills, sr.Count, sr.Message)
}

type SyncRecords struct {
	Name    string      `json:"name"`
	Current *SyncRecord `json:"current"`
	Last    *SyncRecord `json:"last,omitempty"`
}

type SyncDumper struct {
	sync.RWMutex
	records map[string]*SyncRecords
}

func NewSyncDumper() *SyncDumper {
	return &SyncDumper{
		records: make(map[string]*SyncRecords),
	}
}

var syncDumper = NewSyncDumper()

func (sd *SyncDumper) Put(key string, timestamp, mills int64, count int, message string) {
	sr := &SyncRecord{
		Timestamp: timestamp,
		Mills:     mills,
		Count:     count,
		Message:   message,
	}

	sd.Lock()
	defer sd.Unlock()

	if _, ok := sd.records[key]; !ok {
		sd.records[key] = &SyncRecords{Name: key, Current: sr}
		return
	}

	sd.records[key].Last = sd.records[key].Current
	sd.records[key].Current = sr
}

// Records returns copies ordered by cache name.
func (sd *SyncDumper) Records() []SyncRecords {
	sd.RLock()
	defer sd.RUnlock()

	lst := make([]SyncRecords, 0, len(sd.records))
	for _, v := range sd.records {
		lst = append(lst, *v)
	}
	sort.Slice(lst, func(i, j int) bool { return lst[i].Name < lst[j].Name })
	return lst
}

// alarm_strategies:
// last: timestamp, mills, count
// curr: timestamp, mills, count
func (sd *SyncDumper) Sprint() string {
	var sb strings.Builder
	sb.WriteString("\n")

	for _, v := range sd.Records() {
		sb.WriteString(v.Name)
		sb.WriteString(":\n")
		if v.Last != nil {
			sb.WriteString("last: ")
			sb.WriteString(v.Last.String())
			sb.WriteString("\n")
		}
		sb.WriteString("curr: ")
		sb.WriteString(v.Current.String())
		sb.WriteString("\n\n")
	}

	return sb.String()
}

func (sd *SyncDumper) ConfigRouter(r gin.IRouter) {
	r.GET("/sync-records", func(c *gin.Context) {
		if c.Query("format") == "text" {
			c.String(200, sd.Sprint())
			return
		}
		c.JSON(200, gin.H{"dat": sd.Records(), "err": ""})
	})
}

func PutSyncRecord(key string, timestamp, mills int64, count int, message string) {
	syncDumper.Put(key, timestamp, mills, count, message)
}

func ConfigRouter(r gin.IRouter) {
	syncDumper.ConfigRouter(r)
}

func Records() []SyncRecords {
	return syncDumper.Records()
}
