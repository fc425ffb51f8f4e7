package stage

// Input is the typed request handed to a stage's agent.
type Input interface {
	Stage() Name
}

// Output is the typed result a stage's agent returns.
type Output interface {
	Stage() Name
}

// DayPlan is one day of the architect's skeleton.
type DayPlan struct {
	Day   int      `json:"day"`
	Theme string   `json:"theme"`
	Areas []string `json:"areas,omitempty"`
}

// Finding is one researched fact.
type Finding struct {
	Topic  string `json:"topic"`
	Detail string `json:"detail"`
	Source string `json:"source,omitempty"`
}

// Recommendation is one suggested activity.
type Recommendation struct {
	Day      int    `json:"day"`
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ItineraryItem is one scheduled entry.
type ItineraryItem struct {
	Time     string `json:"time,omitempty"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Location string `json:"location,omitempty"`
}

// ItineraryDay groups a day's entries.
type ItineraryDay struct {
	Day   int             `json:"day"`
	Date  string          `json:"date,omitempty"`
	Items []ItineraryItem `json:"items"`
}

// Itinerary is the finished product.
type Itinerary struct {
	Title   string         `json:"title"`
	Summary string         `json:"summary,omitempty"`
	Days    []ItineraryDay `json:"days"`
}

type ArchitectInput struct {
	Request TripRequest `json:"request"`
}

type ArchitectOutput struct {
	Summary string    `json:"summary"`
	Days    []DayPlan `json:"days"`
	Queries []string  `json:"queries,omitempty"`
}

type GathererInput struct {
	Request TripRequest     `json:"request"`
	Plan    ArchitectOutput `json:"plan"`
}

type GathererOutput struct {
	Findings []Finding `json:"findings"`
}

type SpecialistInput struct {
	Request  TripRequest     `json:"request"`
	Plan     ArchitectOutput `json:"plan"`
	Research GathererOutput  `json:"research"`
}

type SpecialistOutput struct {
	Recommendations []Recommendation `json:"recommendations"`
}

type PutterInput struct {
	Request         TripRequest      `json:"request"`
	Plan            ArchitectOutput  `json:"plan"`
	Research        GathererOutput   `json:"research"`
	Recommendations SpecialistOutput `json:"recommendations"`
}

type PutterOutput struct {
	Itinerary Itinerary `json:"itinerary"`
}

func (ArchitectInput) Stage() Name   { return Architect }
func (GathererInput) Stage() Name    { return Gatherer }
func (SpecialistInput) Stage() Name  { return Specialist }
func (PutterInput) Stage() Name      { return Putter }
func (ArchitectOutput) Stage() Name  { return Architect }
func (GathererOutput) Stage() Name   { return Gatherer }
func (SpecialistOutput) Stage() Name { return Specialist }
func (PutterOutput) Stage() Name     { return Putter }
