// Copyright 2024 btrfsdiff Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"time"

	"github.com/uptrace/bun"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FingerprintModel is one subvolume seen in one recorded run.
type FingerprintModel struct {
	bun.BaseModel `bun:"table:fingerprints"`

	ID          int64  `bun:"id,pk,autoincrement"`
	RunID       int64  `bun:"run_id,notnull"`
	Subvolume   string `bun:"subvolume,notnull"`
	UUID        string `bun:"uuid,notnull"`
	ParentUUID  string `bun:"parent_uuid,notnull"`
	CTransID    int64  `bun:"ctransid,notnull"`
	Fingerprint string `bun:"fingerprint,notnull"`
	Source      string `bun:"source,notnull"`
	RecordedAt  int64  `bun:"recorded_at,notnull"` // Unix timestamp
}

// Recorded returns the record time.
func (m *FingerprintModel) Recorded() time.Time {
	return time.Unix(m.RecordedAt, 0)
}
