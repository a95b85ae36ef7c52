package simulation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	model "schelling-model/model"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// SimulationSerializer stores the current state of one scenario on disk.
type SimulationSerializer struct {
	baseDir          string
	simulationID     string
	maxSnapshotCount int
}

func NewSimulationSerializer(baseDir string, simulationID string, maxSnapshotCount int) *SimulationSerializer {
	return &SimulationSerializer{
		baseDir:          baseDir,
		simulationID:     simulationID,
		maxSnapshotCount: maxSnapshotCount,
	}
}

func (s *SimulationSerializer) getSimulationDir() string {
	return filepath.Join(s.baseDir, s.simulationID)
}

// Exists reports whether the scenario directory exists
func (s *SimulationSerializer) Exists() bool {
	_, err := os.Stat(s.getSimulationDir())
	return !os.IsNotExist(err)
}

func (s *SimulationSerializer) ensureSimulationDir() error {
	dir := s.getSimulationDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// #region serialize

func (s *SimulationSerializer) _list(fileType string, suffixName string) ([]string, error) {
	dir := s.getSimulationDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), fileType+"-") && strings.HasSuffix(entry.Name(), suffixName) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	// zero-padded steps sort in step order
	sort.Strings(files)
	return files, nil
}

func (s *SimulationSerializer) _getFilePath(fileType string, step int, suffixName string) string {
	filename := fmt.Sprintf("%s-%010d%s", fileType, step, suffixName)
	return filepath.Join(s.getSimulationDir(), filename)
}

func (s *SimulationSerializer) _write(fileType string, step int, suffixName string, data []byte) error {
	if err := s.ensureSimulationDir(); err != nil {
		return err
	}

	filePath := s._getFilePath(fileType, step, suffixName)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return err
	}

	return s._clean(fileType, false, suffixName)
}

// _clean removes old files of a type, keeping the newest maxSnapshotCount
// unless all is set.
func (s *SimulationSerializer) _clean(fileType string, all bool, suffixName string) error {
	if !all && s.maxSnapshotCount <= 0 {
		return nil
	}

	files, err := s._list(fileType, suffixName)
	if err != nil {
		return err
	}

	toDelete := len(files)
	if !all {
		if len(files) > s.maxSnapshotCount {
			toDelete -= s.maxSnapshotCount
		} else {
			toDelete = 0
		}
	}

	for i := range toDelete {
		if err := os.Remove(files[i]); err != nil {
			return err
		}
	}

	return nil
}

// #endregion

// #region snapshot

const snapshotSuffix = ".msgpack.lz4"

func compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompress(raw []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
}

func (s *SimulationSerializer) GetLatestSnapshot() (*model.SchellingModelDumpData, error) {
	if !s.Exists() {
		return nil, nil
	}
	files, err := s._list("snapshot", snapshotSuffix)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	latestFile := files[len(files)-1]
	raw, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}
	data, err := decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", latestFile, err)
	}

	snapshot := &model.SchellingModelDumpData{}
	if err := msgpack.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("decode %s: %w", latestFile, err)
	}
	return snapshot, nil
}

func (s *SimulationSerializer) SaveSnapshot(snapshot *model.SchellingModelDumpData) error {
	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return s._write("snapshot", snapshot.CurStep, snapshotSuffix, compressed)
}

// #endregion

// #region finished mark

type FinishMark struct {
	Step int
}

func (s *SimulationSerializer) MarkFinished(step int) error {
	data, err := msgpack.Marshal(&FinishMark{Step: step})
	if err != nil {
		return err
	}
	return s._write("finished", step, ".msgpack", data)
}

func (s *SimulationSerializer) IsFinished() (bool, error) {
	if !s.Exists() {
		return false, nil
	}
	files, err := s._list("finished", ".msgpack")
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// #endregion

// SaveMetadata stores the scenario metadata as indented JSON
func (s *SimulationSerializer) SaveMetadata(metadata *ScenarioMetadata) error {
	if err := s.ensureSimulationDir(); err != nil {
		return err
	}

	filePath := filepath.Join(s.getSimulationDir(), "metadata.json")
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filePath, data, 0644)
}

// LoadMetadata loads the scenario metadata, or nil if none was saved
func (s *SimulationSerializer) LoadMetadata() (*ScenarioMetadata, error) {
	filePath := filepath.Join(s.getSimulationDir(), "metadata.json")
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, nil
	}
	return ReadMetadataFile(filePath)
}
