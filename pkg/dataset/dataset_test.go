package dataset

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haivivi/soundclass/pkg/audio/mfcc"
	"github.com/haivivi/soundclass/pkg/kv"
)

const sampleCSV = `slice_file_name,fsID,start,end,salience,fold,classID,class
100032-3-0-0.wav,100032,0.0,0.317551,1,5,3,dog_bark
100263-2-0-117.wav,100263,58.5,62.5,1,5,2,children_playing
100648-1-0-0.wav,100648,4.823402,5.471927,2,10,1,car_horn
101415-3-0-2.wav,101415,1.0,5.0,1,1,3,dog_bark
`

func TestReadMetadata(t *testing.T) {
	recs, err := ReadMetadata(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, recs, 4)

	r := recs[2]
	require.Equal(t, "100648-1-0-0.wav", r.File)
	require.Equal(t, 10, r.Fold)
	require.Equal(t, "car_horn", r.Class)
	require.Equal(t, 1, r.ClassID)
	require.Equal(t, "100648", r.FSID)
	require.Equal(t, 2, r.Salience)
	require.InDelta(t, 5.471927, r.End, 1e-9)
	require.Equal(t, filepath.Join("/data", "fold10", "100648-1-0-0.wav"), r.Path("/data"))
}

func TestReadMetadataMinimalColumns(t *testing.T) {
	recs, err := ReadMetadata(strings.NewReader("class,fold,slice_file_name\nsiren,3,a.wav\n"))
	require.NoError(t, err)
	require.Equal(t, Record{File: "a.wav", Fold: 3, Class: "siren", ClassID: -1}, recs[0])
}

func TestReadMetadataErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{"empty", "", "missing header"},
		{"missing class", "slice_file_name,fold\na.wav,1\n", `missing column "class"`},
		{"bad fold", "slice_file_name,fold,class\na.wav,x,siren\n", "line 2: fold"},
		{"empty name", "slice_file_name,fold,class\n,1,siren\n", "empty slice_file_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMetadata(strings.NewReader(tt.csv))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
	_, err := ReadMetadata(strings.NewReader("slice_file_name,fold,class\n"))
	if !errors.Is(err, ErrNoRows) {
		t.Fatalf("header only: err = %v, want ErrNoRows", err)
	}
}

func TestLimit(t *testing.T) {
	recs := make([]Record, 5)
	if got := len(Limit(recs, 3)); got != 3 {
		t.Fatalf("Limit(3) = %d", got)
	}
	if got := len(Limit(recs, 0)); got != 5 {
		t.Fatalf("Limit(0) = %d", got)
	}
	if got := len(Limit(recs, 10)); got != 5 {
		t.Fatalf("Limit(10) = %d", got)
	}
}

func TestSplitByFold(t *testing.T) {
	var recs []Record
	for fold := 1; fold <= 10; fold++ {
		for i := 0; i < fold; i++ {
			recs = append(recs, Record{File: string(rune('a'+i)) + ".wav", Fold: fold})
		}
	}
	train, test := SplitByFold(recs, 10)
	if len(test) != 10 || len(train) != len(recs)-10 {
		t.Fatalf("train=%d test=%d", len(train), len(test))
	}
	for _, r := range train {
		if r.Fold == 10 {
			t.Fatalf("fold 10 record in train: %+v", r)
		}
	}
	for i := 1; i < len(train); i++ {
		if train[i].Fold < train[i-1].Fold {
			t.Fatal("train order not preserved")
		}
	}

	train, test = SplitByFold(recs, 11)
	if len(test) != 0 || len(train) != len(recs) {
		t.Fatalf("out-of-range fold: train=%d test=%d", len(train), len(test))
	}
}

func TestLabelEncoder(t *testing.T) {
	enc := Fit([]string{"siren", "dog_bark", "siren", "air_conditioner"})
	require.Equal(t, []string{"air_conditioner", "dog_bark", "siren"}, enc.Classes())
	require.Equal(t, 3, enc.Len())

	for i, c := range enc.Classes() {
		got, err := enc.Encode(c)
		require.NoError(t, err)
		require.Equal(t, i, got)
		back, err := enc.Decode(got)
		require.NoError(t, err)
		require.Equal(t, c, back)
	}
	_, err := enc.Encode("jackhammer")
	require.ErrorIs(t, err, ErrUnknownLabel)
	_, err = enc.Decode(3)
	require.ErrorIs(t, err, ErrUnknownLabel)

	enc.FixedTime = 173
	path := filepath.Join(t.TempDir(), "label_encoder.json")
	require.NoError(t, enc.Save(path))
	loaded, err := LoadLabelEncoder(path)
	require.NoError(t, err)
	require.Equal(t, enc.Classes(), loaded.Classes())
	require.Equal(t, 173, loaded.FixedTime)
	l, err := loaded.Encode("siren")
	require.NoError(t, err)
	require.Equal(t, 2, l)
}

func TestEncodeRecords(t *testing.T) {
	recs := []Record{{File: "a", Class: "b"}, {File: "c", Class: "a"}}
	enc := Fit(Classes(recs))
	labels, err := enc.EncodeRecords(recs)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, labels)
	require.Equal(t, 1, recs[0].Label)
}

func matrix(rows, cols int, fill float32) mfcc.Matrix {
	m := mfcc.NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = fill
	}
	return m
}

func TestMedianLength(t *testing.T) {
	tests := []struct {
		rows []int
		want int
	}{
		{nil, 0},
		{[]int{5}, 5},
		{[]int{9, 1, 5}, 5},
		{[]int{4, 1, 2, 7}, 3},
		{[]int{172, 173}, 172},
		{[]int{173, 173, 100, 173}, 173},
	}
	for _, tt := range tests {
		mats := make([]mfcc.Matrix, len(tt.rows))
		for i, r := range tt.rows {
			mats[i] = mfcc.NewMatrix(r, 1)
		}
		if got := MedianLength(mats); got != tt.want {
			t.Errorf("MedianLength(%v) = %d, want %d", tt.rows, got, tt.want)
		}
	}
}

func TestAssembleMedian(t *testing.T) {
	mats := []mfcc.Matrix{matrix(3, 2, 1), matrix(5, 2, 2), matrix(7, 2, 3)}
	x, y, err := Assemble(mats, []int{0, 1, 0}, Fit([]string{"a", "b"}), 0)
	require.NoError(t, err)
	require.Equal(t, [4]int{3, 5, 2, 1}, x.Shape())
	require.Equal(t, []int{0, 1, 0}, y)

	// Short sample: zero tail.
	s0 := x.Sample(0)
	require.Equal(t, []float32{1, 1, 1, 1, 1, 1, 0, 0, 0, 0}, s0)
	// Long sample: truncated from the end.
	for _, v := range x.Sample(2) {
		require.Equal(t, float32(3), v)
	}
}

func TestAssembleFixedTime(t *testing.T) {
	mats := []mfcc.Matrix{matrix(2, 3, 1), matrix(2, 3, 1)}
	x, _, err := Assemble(mats, []int{0, 0}, nil, 173)
	require.NoError(t, err)
	require.Equal(t, 173, x.T)
	require.Len(t, x.Data, 2*173*3)
}

func TestAssembleErrors(t *testing.T) {
	_, _, err := Assemble(nil, nil, nil, 0)
	require.ErrorIs(t, err, ErrEmptyPartition)

	_, _, err = Assemble([]mfcc.Matrix{matrix(2, 3, 0)}, []int{0, 1}, nil, 0)
	require.Error(t, err)

	_, _, err = Assemble([]mfcc.Matrix{matrix(2, 3, 0), matrix(2, 4, 0)}, []int{0, 0}, nil, 0)
	require.Error(t, err)

	_, _, err = Assemble([]mfcc.Matrix{matrix(2, 3, 0)}, []int{5}, Fit([]string{"a"}), 0)
	require.ErrorIs(t, err, ErrUnknownLabel)
}

func TestSubset(t *testing.T) {
	x := NewTensor(3, 1, 2)
	copy(x.Data, []float32{1, 2, 3, 4, 5, 6})
	s := x.Subset([]int{2, 0})
	require.Equal(t, []float32{5, 6, 1, 2}, s.Data)
	s.Data[0] = 99
	require.Equal(t, float32(5), x.Data[4])
}

func TestStratifiedSplit(t *testing.T) {
	var labels []int
	for c, n := range []int{50, 30, 20} {
		for i := 0; i < n; i++ {
			labels = append(labels, c)
		}
	}
	train, val := StratifiedSplit(labels, 0.2, 42)
	require.Len(t, val, 20)
	require.Len(t, train, 80)

	perClass := map[int]int{}
	for _, i := range val {
		perClass[labels[i]]++
	}
	require.Equal(t, map[int]int{0: 10, 1: 6, 2: 4}, perClass)

	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train...), val...) {
		require.False(t, seen[i], "index %d in both partitions", i)
		seen[i] = true
	}
	require.Len(t, seen, len(labels))

	train2, val2 := StratifiedSplit(labels, 0.2, 42)
	require.Equal(t, train, train2)
	require.Equal(t, val, val2)

	_, val3 := StratifiedSplit(labels, 0.2, 7)
	require.NotEqual(t, val, val3)
}

func TestStratifiedSplitNoFraction(t *testing.T) {
	train, val := StratifiedSplit([]int{0, 1, 1}, 0, 1)
	require.Equal(t, []int{0, 1, 2}, train)
	require.Empty(t, val)
}

func TestFeatureCache(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	cfg := mfcc.DefaultConfig()
	cache := NewFeatureCache(store, 22050, 4, cfg)
	rec := Record{File: "a.wav", Fold: 3}

	_, ok, err := cache.Get(ctx, rec)
	require.NoError(t, err)
	require.False(t, ok)

	m := matrix(4, 2, 0.5)
	require.NoError(t, cache.Put(ctx, rec, m))
	got, ok, err := cache.Get(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, m, got)

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cfg.NMFCC = 20
	other := NewFeatureCache(store, 22050, 4, cfg)
	require.NotEqual(t, cache.Fingerprint(), other.Fingerprint())
	_, ok, err = other.Get(ctx, rec)
	require.NoError(t, err)
	require.False(t, ok, "changed parameters must miss")

	require.NoError(t, cache.Purge(ctx))
	n, err = cache.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
