package progress

// Step names shared by the step tables and the orchestrator.
const (
	StepInit            = "initialization"
	StepDBSize          = "db_size_calc"
	StepDBExport        = "db_export"
	StepDBCompress      = "db_compress"
	StepStorageCalc     = "storage_calc"
	StepStorageCopy     = "storage_copy"
	StepStorageCompress = "storage_compress"
	StepCleanup         = "cleanup"
	StepFinalize        = "finalize"
	StepProcessing      = "processing"
)

// Step is one weighted slice of a job. Weight is the number of percentage
// points the step contributes; the weights of a table add up to 100.
type Step struct {
	Weight  float64
	Name    string
	Message string
}

var stepTables = map[string][]Step{
	"full": {
		{5, StepInit, "Initializing backup..."},
		{10, StepDBSize, "Calculating database size..."},
		{35, StepDBExport, "Exporting database..."},
		{10, StepDBCompress, "Compressing database..."},
		{5, StepStorageCalc, "Counting storage files..."},
		{25, StepStorageCopy, "Copying storage files..."},
		{5, StepStorageCompress, "Compressing storage..."},
		{3, StepCleanup, "Removing expired backups..."},
		{2, StepFinalize, "Finalizing backup..."},
	},
	"database": {
		{10, StepInit, "Initializing database backup..."},
		{15, StepDBSize, "Calculating database size..."},
		{50, StepDBExport, "Exporting database..."},
		{20, StepDBCompress, "Compressing database..."},
		{5, StepFinalize, "Finalizing backup..."},
	},
	"storage": {
		{10, StepInit, "Initializing storage backup..."},
		{15, StepStorageCalc, "Counting files..."},
		{60, StepStorageCopy, "Copying files..."},
		{10, StepStorageCompress, "Compressing..."},
		{5, StepFinalize, "Finalizing backup..."},
	},
}

var genericSteps = []Step{{100, StepProcessing, "Processing..."}}

// Steps returns a copy of the step table for a job type. Unknown types get
// the single-step generic table.
func Steps(jobType string) []Step {
	table, ok := stepTables[jobType]
	if !ok {
		table = genericSteps
	}
	out := make([]Step, len(table))
	copy(out, table)
	return out
}

// ByteFraction turns bytes written against an estimated total into a step
// percentage, capped so the step never claims completion on an estimate.
func ByteFraction(done, total int64, limit float64) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	return min(limit, float64(done)/float64(total)*100)
}

// ItemFraction turns processed items against a total into a step percentage.
func ItemFraction(done, total int) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	return min(100, float64(done)/float64(total)*100)
}
