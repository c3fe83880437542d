package sitedata

// SiteData is the document served at /data/site-data.json.
type SiteData struct {
	Lab Lab `json:"lab"`
}

type Lab struct {
	Name     string       `json:"name"`
	Slogan   string       `json:"slogan,omitempty"`
	Mission  string       `json:"mission"`
	Contact  Contact      `json:"contact"`
	Team     []TeamMember `json:"team"`
	News     []News       `json:"news"`
	Partners Partners     `json:"partners"`
}

type Contact struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type TeamMember struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
	Photo       string `json:"photo,omitempty"`
	Order       int    `json:"order"`
}

type News struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Date    string `json:"date"` // YYYY-MM-DD
	Content string `json:"content"`
}

type Partner struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Logo string `json:"logo,omitempty"`
}

type Partners struct {
	Universities []Partner `json:"universities"`
	Schools      []Partner `json:"schools"`
	Companies    []Partner `json:"companies"`
}

// AchievementsData is the document served at /data/achievements.json.
type AchievementsData struct {
	Achievements []Achievement  `json:"achievements"`
	Statistics   map[string]int `json:"statistics,omitempty"`
}

// Achievement types.
const (
	TypeCompetition = "competition"
	TypePaper       = "paper"
	TypeAward       = "award"
)

type Achievement struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`  // event
	Title       string `json:"title"` // work or paper title
	Award       string `json:"award"`
	Date        string `json:"date"` // YYYY-MM-DD
	Description string `json:"description,omitempty"`
	Certificate string `json:"certificate,omitempty"`
}

// SearchEntry is one row of /search.json.
type SearchEntry struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Category    *string  `json:"category"`
	Author      *string  `json:"author"`
	URL         string   `json:"url"`
	Lang        string   `json:"lang,omitempty"`
}
