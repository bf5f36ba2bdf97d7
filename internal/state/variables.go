package state

// StateType is the value type of a state variable.
type StateType string

const (
	TypeString StateType = "string"
	TypeNumber StateType = "number"
)

// Keys of the mirrored variables.
const (
	KeyTodayGallons        = "todayGallons"
	KeyMonthGallons        = "monthGallons"
	KeyLatestGallons       = "latestGallons"
	KeyAverageDailyGallons = "averageDailyGallons"
	KeyLastRead            = "lastRead"
	KeyPollStatus          = "pollStatus"
)

// StateVariable maps a key to a Home Assistant helper entity.
type StateVariable struct {
	Key      string
	EntityID string
	Type     StateType
	Default  interface{}
}

// AllVariables are the helper entities kept in sync with the water usage aggregate.
var AllVariables = []StateVariable{
	{Key: KeyTodayGallons, EntityID: "input_number.watersmart_today_gallons", Type: TypeNumber, Default: 0.0},
	{Key: KeyMonthGallons, EntityID: "input_number.watersmart_month_gallons", Type: TypeNumber, Default: 0.0},
	{Key: KeyLatestGallons, EntityID: "input_number.watersmart_latest_gallons", Type: TypeNumber, Default: 0.0},
	{Key: KeyAverageDailyGallons, EntityID: "input_number.watersmart_average_daily_gallons", Type: TypeNumber, Default: 0.0},
	{Key: KeyLastRead, EntityID: "input_text.watersmart_last_read", Type: TypeString, Default: ""},
	{Key: KeyPollStatus, EntityID: "input_text.watersmart_poll_status", Type: TypeString, Default: ""},
}

// VariablesByKey indexes AllVariables by key.
func VariablesByKey() map[string]StateVariable {
	vars := make(map[string]StateVariable, len(AllVariables))
	for _, v := range AllVariables {
		vars[v.Key] = v
	}
	return vars
}
